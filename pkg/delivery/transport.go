package delivery

import (
	"context"
	"errors"

	"github.com/jdziat/durable-broadcast/pkg/core"
)

// Transport is the outbound messaging API. Implementations should return
// errors built with core.Permanent, core.RateLimited, core.Transient or, for
// a payload that can reach nobody, core.SourceUnavailable. Any other error is
// treated as transient.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) error
	CopyMessage(ctx context.Context, chatID, fromChatID int64, messageID int, caption string) error
}

// Sender performs exactly one transport call per Send.
type Sender struct {
	transport Transport
}

// NewSender creates a sender over transport.
func NewSender(transport Transport) *Sender {
	return &Sender{transport: transport}
}

// Send delivers the job payload to r. The returned error, if any, is always
// one of the classified core delivery errors.
func (s *Sender) Send(ctx context.Context, job *core.Job, r core.Recipient) error {
	var err error
	switch job.Kind {
	case core.PayloadCopy:
		err = s.transport.CopyMessage(ctx, r.ChatID, job.SourceChatID, job.SourceMessageID, job.CaptionOverride)
	default:
		err = s.transport.SendText(ctx, r.ChatID, job.Text)
	}
	return normalize(err)
}

func normalize(err error) error {
	if err == nil {
		return nil
	}
	switch core.Classify(err) {
	case core.ClassPermanent, core.ClassRateLimited, core.ClassSource:
		return err
	}
	var tr *core.TransientDeliveryError
	if errors.As(err, &tr) {
		return err
	}
	return core.Transient(err)
}
