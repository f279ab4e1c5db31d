// Package messaging hands tenant channel posts to the bot delivery service over RabbitMQ.
package messaging

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/metrics"
)

// DefaultQueue is the queue the bot delivery service consumes.
const DefaultQueue = "bot_outbound"

// Publisher is satisfied by config.Publisher.
type Publisher interface {
	Publish(ctx context.Context, queueName string, message interface{}) error
}

// Outbound is the message body published for the delivery service.
type Outbound struct {
	TenantID     string    `json:"tenant_id"`
	BotRole      string    `json:"bot_role"`
	ChannelType  string    `json:"channel_type"`
	ChannelID    string    `json:"channel_id"`
	CredentialID uint      `json:"credential_id"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sender posts text to tenant channels.
type Sender interface {
	SendToChannel(ctx context.Context, tenantID, botRole, text, channelType string) error
}

// QueueSender publishes resolved messages to a RabbitMQ queue.
type QueueSender struct {
	publisher Publisher
	resolver  *CredentialResolver
	queue     string
}

func NewQueueSender(publisher Publisher, resolver *CredentialResolver, queue string) *QueueSender {
	if queue == "" {
		queue = DefaultQueue
	}
	return &QueueSender{publisher: publisher, resolver: resolver, queue: queue}
}

func (s *QueueSender) SendToChannel(ctx context.Context, tenantID, botRole, text, channelType string) error {
	cred, err := s.resolver.Resolve(ctx, tenantID, botRole, channelType)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(botRole, "missing_credentials").Inc()
		return err
	}

	msg := Outbound{
		TenantID:     tenantID,
		BotRole:      botRole,
		ChannelType:  channelType,
		ChannelID:    cred.ChannelID,
		CredentialID: cred.ID,
		Text:         text,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, s.queue, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues(botRole, "error").Inc()
		return fmt.Errorf("send to %s channel of tenant %s: %w", botRole, tenantID, err)
	}

	metrics.NotificationsTotal.WithLabelValues(botRole, "sent").Inc()
	log.WithFields(log.Fields{
		"tenant_id":    tenantID,
		"bot_role":     botRole,
		"channel_type": channelType,
	}).Debug("Queued channel message")
	return nil
}
