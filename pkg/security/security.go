// Package security provides validation, sanitization, and limits for the broadcast package.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/durable-broadcast/pkg/core"
)

// Security limits and configuration
const (
	// MaxSegmentLength is the maximum length for segment descriptors
	MaxSegmentLength = 255

	// MaxTextLength is the Telegram limit for a text message
	MaxTextLength = 4096

	// MaxCaptionLength is the Telegram limit for a media caption
	MaxCaptionLength = 1024

	// MaxRetries is the hard limit for per-recipient retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for in-flight deliveries per job
	MaxConcurrency = 100

	// MaxBatchSize is the hard limit for recipients pulled per batch
	MaxBatchSize = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 1000

	// MaxListLimit is the maximum number of jobs returned by a listing
	MaxListLimit = 100
)

// validSegment matches the descriptors understood by the audience resolver
var validSegment = regexp.MustCompile(`^(all|subscribed|not_subscribed|source:-?[0-9]+)$`)

// ValidateSegment validates a segment descriptor
func ValidateSegment(segment string) error {
	if segment == "" {
		return core.Invalid("segment", "must not be empty")
	}
	if len(segment) > MaxSegmentLength {
		return core.Invalid("segment", "too long")
	}
	if !validSegment.MatchString(segment) {
		return core.Invalid("segment", "unknown descriptor "+segment)
	}
	return nil
}

// ValidateDefinition checks a job definition before it is stored.
func ValidateDefinition(def core.Definition) error {
	if err := ValidateSegment(def.Segment); err != nil {
		return err
	}

	switch def.Kind {
	case core.PayloadText, "":
		if strings.TrimSpace(def.Text) == "" {
			return core.Invalid("text", "must not be empty")
		}
		if utf8.RuneCountInString(def.Text) > MaxTextLength {
			return core.Invalid("text", "exceeds message length limit")
		}
	case core.PayloadCopy:
		if def.SourceChatID == 0 {
			return core.Invalid("source_chat_id", "required for copy payload")
		}
		if def.SourceMessageID <= 0 {
			return core.Invalid("source_message_id", "required for copy payload")
		}
		if utf8.RuneCountInString(def.CaptionOverride) > MaxCaptionLength {
			return core.Invalid("caption_override", "exceeds caption length limit")
		}
	default:
		return core.Invalid("kind", "unknown payload kind "+string(def.Kind))
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampBatchSize ensures batch size is within limits
func ClampBatchSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// ClampListLimit ensures a listing limit is within [1, MaxListLimit].
// Zero selects the default of 10.
func ClampListLimit(n int) int {
	if n == 0 {
		return 10
	}
	if n < 1 {
		return 1
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}
