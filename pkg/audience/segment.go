package audience

import (
	"strconv"
	"strings"

	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/security"
)

// SegmentKind identifies an audience filter.
type SegmentKind int

const (
	// SegmentAll is every reachable recipient.
	SegmentAll SegmentKind = iota
	// SegmentSubscribed is recipients who joined every active channel.
	SegmentSubscribed
	// SegmentNotSubscribed is recipients missing at least one active channel.
	SegmentNotSubscribed
	// SegmentSource is recipients who arrived through one channel.
	SegmentSource
)

const sourcePrefix = "source:"

// Segment is a parsed segment descriptor.
type Segment struct {
	Kind            SegmentKind
	SourceChannelID int64
}

// Parse turns a descriptor such as "subscribed" or "source:-100123" into a
// Segment. Unknown descriptors yield a *core.ValidationError.
func Parse(descriptor string) (Segment, error) {
	if err := security.ValidateSegment(descriptor); err != nil {
		return Segment{}, err
	}

	switch descriptor {
	case "all":
		return Segment{Kind: SegmentAll}, nil
	case "subscribed":
		return Segment{Kind: SegmentSubscribed}, nil
	case "not_subscribed":
		return Segment{Kind: SegmentNotSubscribed}, nil
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(descriptor, sourcePrefix), 10, 64)
	if err != nil {
		return Segment{}, core.Invalid("segment", "source channel id out of range")
	}
	return Segment{Kind: SegmentSource, SourceChannelID: id}, nil
}

// String returns the descriptor form of the segment.
func (s Segment) String() string {
	switch s.Kind {
	case SegmentSubscribed:
		return "subscribed"
	case SegmentNotSubscribed:
		return "not_subscribed"
	case SegmentSource:
		return sourcePrefix + strconv.FormatInt(s.SourceChannelID, 10)
	default:
		return "all"
	}
}
