// Package worker consumes tile jobs from an AMQP queue and publishes new
// ones.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/prl900/tilebot/tilebot"
)

// AttemptsHeader counts the deliveries of a republished job.
const AttemptsHeader = "x-tilebot-attempts"

const errorHeader = "x-tilebot-error"

// Channel is the part of *amqp.Channel the worker uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Processor interface {
	Process(ctx context.Context, job *tilebot.Job) (tilebot.Report, error)
}

type Config struct {
	Queue           string
	DeadLetter      string
	MaxReceiveCount int
	ConsumerTag     string
}

type Worker struct {
	ch   Channel
	proc Processor
	cfg  Config
	log  *zap.Logger
}

func New(ch Channel, proc Processor, cfg Config, log *zap.Logger) (*Worker, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("worker needs a queue name")
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = cfg.Queue + "-dlq"
	}
	if cfg.MaxReceiveCount < 1 {
		cfg.MaxReceiveCount = 1
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "tilebot"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{ch: ch, proc: proc, cfg: cfg, log: log}, nil
}

// Setup declares the job and dead letter queues and limits the worker to
// one unacknowledged job.
func (w *Worker) Setup() error {
	if err := w.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos setup failed: %w", err)
	}
	for _, q := range []string{w.cfg.Queue, w.cfg.DeadLetter} {
		if _, err := w.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq queue %s declare failed: %w", q, err)
		}
	}
	return nil
}

// Run handles jobs until ctx is cancelled or the delivery channel closes.
// The job in flight when ctx is cancelled runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.ch.Consume(w.cfg.Queue, w.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume setup failed: %w", err)
	}

	w.log.Info("consuming jobs", zap.String("queue", w.cfg.Queue), zap.String("dead_letter", w.cfg.DeadLetter))
	for {
		select {
		case <-ctx.Done():
			if err := w.ch.Cancel(w.cfg.ConsumerTag, false); err != nil {
				w.log.Warn("consumer cancel failed", zap.Error(err))
			}
			w.log.Info("worker stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq deliveries channel closed unexpectedly")
			}
			w.handle(context.WithoutCancel(ctx), d)
		}
	}
}

type action int

const (
	actAck action = iota
	actRetry
	actDeadLetter
)

// decide picks what happens to a job that failed with err on its
// attempts-th delivery.
func decide(err error, attempts, maxReceive int) action {
	var verr *tilebot.ValidationError
	switch {
	case err == nil:
		return actAck
	case errors.As(err, &verr):
		return actDeadLetter
	case attempts >= maxReceive:
		return actDeadLetter
	default:
		return actRetry
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	attempts := Attempts(d.Headers) + 1
	log := w.log.With(zap.String("message_id", d.MessageId), zap.Int("attempt", attempts))

	err := w.process(ctx, log, d.Body)
	switch decide(err, attempts, w.cfg.MaxReceiveCount) {
	case actAck:
		jobsTotal.WithLabelValues(outcomeDone).Inc()
		w.ack(log, d)
	case actRetry:
		log.Warn("job failed, retrying", zap.Error(err))
		w.republish(ctx, log, d, w.cfg.Queue, attempts, err, outcomeRetried)
	case actDeadLetter:
		outcome := outcomeDead
		var verr *tilebot.ValidationError
		if errors.As(err, &verr) {
			outcome = outcomeRejected
		}
		log.Error("job dead lettered", zap.String("queue", w.cfg.DeadLetter), zap.Error(err))
		w.republish(ctx, log, d, w.cfg.DeadLetter, attempts, err, outcome)
	}
}

func (w *Worker) process(ctx context.Context, log *zap.Logger, body []byte) error {
	job, err := tilebot.ParseJob(body)
	if err != nil {
		return err
	}

	start := time.Now()
	rep, err := w.proc.Process(ctx, job)
	jobDurationSeconds.Observe(time.Since(start).Seconds())
	datasetsTotal.WithLabelValues("produced").Add(float64(len(rep.Produced)))
	datasetsTotal.WithLabelValues("skipped").Add(float64(len(rep.Skipped)))
	if err != nil {
		return err
	}

	log.Info("job done",
		zap.String("tile", job.Tile.String()),
		zap.Strings("produced", rep.Produced),
		zap.Strings("skipped", rep.Skipped))
	return nil
}

// republish sends a copy of d to queue and acknowledges d. When the copy
// cannot be published d is requeued instead.
func (w *Worker) republish(ctx context.Context, log *zap.Logger, d amqp.Delivery, queue string, attempts int, cause error, outcome string) {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[AttemptsHeader] = int32(attempts)
	headers[errorHeader] = cause.Error()

	err := w.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now().UTC(),
		Body:         d.Body,
	})
	if err != nil {
		log.Error("republish failed, requeueing", zap.String("queue", queue), zap.Error(err))
		if err := d.Nack(false, true); err != nil {
			log.Error("nack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
		return
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	w.ack(log, d)
}

func (w *Worker) ack(log *zap.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// Attempts returns the number of failed deliveries recorded in headers.
func Attempts(headers amqp.Table) int {
	switch v := headers[AttemptsHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
