package config

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// InitRabbitMQ dials the broker with retry.
func InitRabbitMQ(s *Settings) (*amqp.Connection, error) {
	url := s.RabbitMQURL()
	if url == "" {
		return nil, fmt.Errorf("RABBITMQ_HOST not configured")
	}

	maxRetries := 10
	retryDelay := 3 * time.Second

	var err error
	for i := 0; i < maxRetries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			log.WithField("host", s.RabbitMQHost).Info("Connected to RabbitMQ")
			return conn, nil
		}

		if i < maxRetries-1 {
			log.Warnf("Failed to connect to RabbitMQ (attempt %d/%d): %v. Retrying in %v...", i+1, maxRetries, err, retryDelay)
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}
