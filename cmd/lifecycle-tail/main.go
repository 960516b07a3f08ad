package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zkhotdog/zkhotdog/internal/queue"
)

// lifecycle-tail follows the measurement lifecycle topic and prints one
// line per status transition. Pipe pipeline stdout into it to follow a
// dev instance, or point it at the kafka brokers in a deployment.
func main() {
	var (
		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "kafka brokers (comma-separated)")
		queueGroup   = flag.String("queue-group", "lifecycle-tail", "kafka consumer group")
		topic        = flag.String("topic", queue.TopicLifecycle, "lifecycle topic to follow")
		ackTimeout   = flag.Duration("ack-timeout", 5*time.Second, "timeout for committing consumed messages")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(strings.ToLower(*queueDriver)) == queue.DriverKafka && strings.TrimSpace(*queueBrokers) == "" {
		fmt.Fprintln(os.Stderr, "error: --queue-brokers is required with --queue-driver=kafka")
		os.Exit(2)
	}
	if *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --ack-timeout must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*topic},
	})
	if err != nil {
		log.Error("init lifecycle consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	msgCh := consumer.Messages()
	errCh := consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("lifecycle consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			event, err := queue.DecodeLifecycleEvent(msg.Value)
			if err != nil {
				log.Warn("skip undecodable lifecycle payload", "err", err)
				ack(msg, *ackTimeout, log)
				continue
			}
			fmt.Printf("%s\t%s\t%s\n", event.At.Format(time.RFC3339), event.ID, event.Status)
			ack(msg, *ackTimeout, log)
		}
	}
}

func ack(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack lifecycle message", "err", err)
	}
}
