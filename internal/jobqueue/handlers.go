package jobqueue

import (
	"context"
	"fmt"

	"signalcore/internal/messaging"
	"signalcore/internal/models"
)

// DelayedMessageHandler posts payload.text to payload.bot_role/channel_type.
func DelayedMessageHandler(sender messaging.Sender) Handler {
	return func(ctx context.Context, job *models.Job) error {
		text := job.Payload.String("text")
		role := job.Payload.String("bot_role")
		if text == "" || role == "" {
			return fmt.Errorf("%w: delayed_message needs text and bot_role", ErrInvalidPayload)
		}
		return sender.SendToChannel(ctx, job.TenantID, role, text, job.Payload.String("channel_type"))
	}
}

// CrossPromotionHandler posts a promotion of one channel into another.
func CrossPromotionHandler(sender messaging.Sender) Handler {
	return func(ctx context.Context, job *models.Job) error {
		text := job.Payload.String("text")
		if text == "" {
			return fmt.Errorf("%w: cross_promotion needs text", ErrInvalidPayload)
		}
		role := job.Payload.String("bot_role")
		if role == "" {
			role = "promo"
		}
		channel := job.Payload.String("channel_type")
		if channel == "" {
			channel = "free"
		}
		if link := job.Payload.String("link"); link != "" {
			text = text + "\n" + link
		}
		return sender.SendToChannel(ctx, job.TenantID, role, text, channel)
	}
}
