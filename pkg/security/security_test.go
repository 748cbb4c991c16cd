package security

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/durable-broadcast/pkg/core"
)

func TestValidateSegment_Valid(t *testing.T) {
	validSegments := []string{
		"all",
		"subscribed",
		"not_subscribed",
		"source:123",
		"source:-1001234567890",
	}

	for _, s := range validSegments {
		err := ValidateSegment(s)
		assert.NoError(t, err, "Expected %q to be valid", s)
	}
}

func TestValidateSegment_Invalid(t *testing.T) {
	invalidSegments := []string{
		"",                                   // empty
		"everyone",                           // unknown
		"source:",                            // missing id
		"source:abc",                         // non-numeric id
		"ALL",                                // case sensitive
		"all ",                               // trailing space
		"source:" + strings.Repeat("1", 300), // too long
	}

	for _, s := range invalidSegments {
		err := ValidateSegment(s)
		assert.Error(t, err, "Expected %q to be invalid", s)

		var vErr *core.ValidationError
		assert.True(t, errors.As(err, &vErr))
		assert.Equal(t, "segment", vErr.Field)
	}
}

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name  string
		def   core.Definition
		field string
	}{
		{
			name: "text ok",
			def:  core.Definition{Segment: "all", Kind: core.PayloadText, Text: "hello"},
		},
		{
			name: "kind defaults to text",
			def:  core.Definition{Segment: "all", Text: "hello"},
		},
		{
			name: "copy ok",
			def:  core.Definition{Segment: "subscribed", Kind: core.PayloadCopy, SourceChatID: -100, SourceMessageID: 5},
		},
		{
			name:  "bad segment",
			def:   core.Definition{Segment: "vip", Text: "hello"},
			field: "segment",
		},
		{
			name:  "blank text",
			def:   core.Definition{Segment: "all", Text: "   "},
			field: "text",
		},
		{
			name:  "text too long",
			def:   core.Definition{Segment: "all", Text: strings.Repeat("x", MaxTextLength+1)},
			field: "text",
		},
		{
			name:  "copy without chat",
			def:   core.Definition{Segment: "all", Kind: core.PayloadCopy, SourceMessageID: 5},
			field: "source_chat_id",
		},
		{
			name:  "copy without message",
			def:   core.Definition{Segment: "all", Kind: core.PayloadCopy, SourceChatID: 1},
			field: "source_message_id",
		},
		{
			name:  "caption too long",
			def:   core.Definition{Segment: "all", Kind: core.PayloadCopy, SourceChatID: 1, SourceMessageID: 1, CaptionOverride: strings.Repeat("c", MaxCaptionLength+1)},
			field: "caption_override",
		},
		{
			name:  "unknown kind",
			def:   core.Definition{Segment: "all", Kind: "photo"},
			field: "kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDefinition(tt.def)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var vErr *core.ValidationError
			if assert.True(t, errors.As(err, &vErr)) {
				assert.Equal(t, tt.field, vErr.Field)
			}
		})
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal message",
			input:    "connection refused",
			expected: "connection refused",
		},
		{
			name:     "message with newlines",
			input:    "error on\nline 2",
			expected: "error on\nline 2",
		},
		{
			name:     "message with null bytes",
			input:    "error\x00with\x00nulls",
			expected: "errorwithnulls",
		},
		{
			name:     "empty message",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeErrorMessage(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSanitizeErrorMessage_Truncation(t *testing.T) {
	longMessage := strings.Repeat("a", 5000)
	result := SanitizeErrorMessage(longMessage)

	assert.LessOrEqual(t, len(result), MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(result, "..."))
}

func TestClampRetries(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 0},
		{0, 0},
		{2, 2},
		{100, 100},
		{101, 100},
	}

	for _, tt := range tests {
		result := ClampRetries(tt.input)
		assert.Equal(t, tt.expected, result, "ClampRetries(%d)", tt.input)
	}
}

func TestClampConcurrency(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 1},
		{0, 1},
		{3, 3},
		{100, 100},
		{101, 100},
	}

	for _, tt := range tests {
		result := ClampConcurrency(tt.input)
		assert.Equal(t, tt.expected, result, "ClampConcurrency(%d)", tt.input)
	}
}

func TestClampBatchSize(t *testing.T) {
	assert.Equal(t, 1, ClampBatchSize(0))
	assert.Equal(t, 25, ClampBatchSize(25))
	assert.Equal(t, MaxBatchSize, ClampBatchSize(MaxBatchSize+1))
}

func TestClampListLimit(t *testing.T) {
	assert.Equal(t, 10, ClampListLimit(0))
	assert.Equal(t, 1, ClampListLimit(-5))
	assert.Equal(t, 30, ClampListLimit(30))
	assert.Equal(t, MaxListLimit, ClampListLimit(500))
}
