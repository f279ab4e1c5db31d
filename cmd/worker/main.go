package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"signalcore/internal/jobqueue"
	"signalcore/internal/store"
	"signalcore/pkg/config"
)

func main() {
	s, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load settings: ", err)
	}

	log.SetFormatter(&log.JSONFormatter{})
	if lvl, err := log.ParseLevel(s.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.InitDB(s)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	conn, err := config.InitRabbitMQ(s)
	if err != nil {
		log.Fatal("Failed to initialize RabbitMQ: ", err)
	}
	defer conn.Close()

	consumer, err := config.NewConsumer(conn, s.JobIntakeQueue)
	if err != nil {
		log.Fatal("Failed to create consumer: ", err)
	}
	defer consumer.Close()

	queue := jobqueue.New(store.NewJobRepo(db))
	log.WithField("queue", s.JobIntakeQueue).Info("Job intake worker started, waiting for messages...")

	if err := consumer.Consume(ctx, jobqueue.IntakeHandler(ctx, queue)); err != nil {
		log.WithError(err).Error("Consumer stopped")
		os.Exit(1)
	}
	log.Info("Job intake worker stopped")
}
