package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/chatkg/pkg/ai"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultMaxRetries is how often a failed message is retried before it is
// moved to the dead-letter queue.
const DefaultMaxRetries = 10

// Worker consumes BuildQueue one message at a time.
type Worker struct {
	Pub        Publisher
	Process    func(ctx context.Context, job BuildJob) error
	MaxRetries int
	// AI is optional; when set its metrics are logged and reset after
	// each message.
	AI ai.GraphAIClient
}

// Consumer is the consuming side of an AMQP channel.
type Consumer interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// Consume handles deliveries from BuildQueue until ctx is done or the
// delivery channel closes.
func (w *Worker) Consume(ctx context.Context, ch Consumer) error {
	if err := ch.Qos(1, 0, true); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := ch.Consume(BuildQueue, BuildQueue+"_consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", BuildQueue, err)
	}

	logger.Info("[Worker] listening for messages", "queue", BuildQueue)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Worker] stopping consumer", "queue", BuildQueue)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("[Worker] message channel closed", "queue", BuildQueue)
				return nil
			}
			w.HandleDelivery(ctx, msg)
		}
	}
}

// HandleDelivery processes one message and settles it: ack on success,
// otherwise republish to the retry queue or, once retries are exhausted or
// the body is unreadable, to the dead-letter queue.
func (w *Worker) HandleDelivery(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	logger.Info("[Worker] received message", "queue", BuildQueue)

	var job BuildJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error("[Worker] invalid message body", "err", err)
		w.deadLetter(ctx, msg)
		return
	}

	if err := w.Process(ctx, job); err != nil {
		logger.Error("[Worker] error processing message", "job_id", job.JobID, "project", job.Project, "err", err)
		w.retry(ctx, msg)
	} else {
		if err := msg.Ack(false); err != nil {
			logger.Error("[Worker] failed to ack message", "err", err)
		}
		logger.Info("[Worker] message processed successfully", "job_id", job.JobID, "project", job.Project)
	}

	if w.AI != nil {
		metrics := w.AI.GetMetrics()
		logger.Info(
			"[Worker] AI metrics",
			"input_tokens", metrics.InputTokens,
			"output_tokens", metrics.OutputTokens,
			"total_tokens", metrics.TotalTokens,
			"duration", formatDuration(time.Duration(metrics.DurationMs)*time.Millisecond),
		)
		w.AI.ResetMetrics()
	}
	logger.Info("[Worker] processing time", "duration", formatDuration(time.Since(start)))
}

func (w *Worker) maxRetries() int {
	if w.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return w.MaxRetries
}

func (w *Worker) retry(ctx context.Context, msg amqp091.Delivery) {
	retries := Retries(msg.Headers)
	if retries >= w.maxRetries() {
		w.deadLetter(ctx, msg)
		return
	}

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	w.republish(ctx, msg, BuildQueue+"_retry", headers)
}

func (w *Worker) deadLetter(ctx context.Context, msg amqp091.Delivery) {
	dlqName := BuildQueue + "_dlq"
	logger.Info("[Worker] sending message to DLQ", "dlq", dlqName)
	w.republish(ctx, msg, dlqName, msg.Headers)
}

func (w *Worker) republish(ctx context.Context, msg amqp091.Delivery, queueName string, headers amqp091.Table) {
	err := w.Pub.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         msg.Body,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
	})
	if err != nil {
		logger.Error("[Worker] failed to republish message", "queue", queueName, "err", err)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

// Retries reads the x-retries header, tolerating the integer widths
// brokers and clients use for it.
func Retries(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 0
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
