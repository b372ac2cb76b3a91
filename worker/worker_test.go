package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/prl900/tilebot/tilebot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAck struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
	done    chan struct{}
}

func newFakeAck() *fakeAck {
	return &fakeAck{done: make(chan struct{}, 16)}
}

func (a *fakeAck) Ack(uint64, bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.nacks++
	a.requeue = requeue
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error { return nil }

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	prefetch   int
	declared   []string
	deliveries chan amqp.Delivery
	cancelled  bool
	published  []published
	publishErr error
	closes     int
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(string, bool) error {
	c.cancelled = true
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{queue: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

type processFunc func(ctx context.Context, job *tilebot.Job) (tilebot.Report, error)

func (f processFunc) Process(ctx context.Context, job *tilebot.Job) (tilebot.Report, error) {
	return f(ctx, job)
}

const jobBody = `{"tile":"10-5-3","dataset":"s3://bucket/scene.tif"}`

func newWorker(t *testing.T, ch *fakeChannel, proc processFunc) *Worker {
	w, err := New(ch, proc, Config{Queue: "jobs", MaxReceiveCount: 3}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return w
}

func delivery(a *fakeAck, body string, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  1,
		MessageId:    "m-1",
		ContentType:  "application/json",
		Headers:      headers,
		Body:         []byte(body),
	}
}

func TestDecide(t *testing.T) {
	transient := errors.New("timeout")
	invalid := &tilebot.ValidationError{Field: "tile", Reason: "bad"}

	for _, tc := range []struct {
		name     string
		err      error
		attempts int
		want     action
	}{
		{"success", nil, 1, actAck},
		{"success on last attempt", nil, 3, actAck},
		{"first failure", transient, 1, actRetry},
		{"second failure", transient, 2, actRetry},
		{"last failure", transient, 3, actDeadLetter},
		{"beyond limit", transient, 7, actDeadLetter},
		{"invalid job", invalid, 1, actDeadLetter},
		{"wrapped invalid job", errors.Join(errors.New("x"), invalid), 1, actDeadLetter},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, decide(tc.err, tc.attempts, 3))
		})
	}
}

func TestAttempts(t *testing.T) {
	require.Equal(t, 0, Attempts(nil))
	require.Equal(t, 0, Attempts(amqp.Table{AttemptsHeader: "2"}))
	for _, v := range []any{int(2), int8(2), int16(2), int32(2), int64(2), uint8(2), uint16(2), uint32(2)} {
		require.Equal(t, 2, Attempts(amqp.Table{AttemptsHeader: v}), "%T", v)
	}
}

func TestNewDefaults(t *testing.T) {
	r := require.New(t)

	_, err := New(&fakeChannel{}, nil, Config{}, nil)
	r.Error(err)

	w, err := New(&fakeChannel{}, nil, Config{Queue: "jobs"}, nil)
	r.NoError(err)
	r.Equal("jobs-dlq", w.cfg.DeadLetter)
	r.Equal(1, w.cfg.MaxReceiveCount)
	r.Equal("tilebot", w.cfg.ConsumerTag)
}

func TestSetup(t *testing.T) {
	ch := &fakeChannel{}
	w := newWorker(t, ch, nil)

	require.NoError(t, w.Setup())
	require.Equal(t, 1, ch.prefetch)
	require.Equal(t, []string{"jobs", "jobs-dlq"}, ch.declared)
}

func TestHandleSuccess(t *testing.T) {
	r := require.New(t)
	ch := &fakeChannel{}
	var got *tilebot.Job
	w := newWorker(t, ch, func(_ context.Context, job *tilebot.Job) (tilebot.Report, error) {
		got = job
		return tilebot.Report{Produced: []string{"scene/10-5-3.npz"}}, nil
	})
	a := newFakeAck()

	w.handle(context.Background(), delivery(a, jobBody, nil))
	r.Equal(1, a.acks)
	r.Zero(a.nacks)
	r.Empty(ch.published)
	r.Equal([]string{"s3://bucket/scene.tif"}, got.Datasets)
}

func TestHandleRetry(t *testing.T) {
	r := require.New(t)
	ch := &fakeChannel{}
	w := newWorker(t, ch, func(context.Context, *tilebot.Job) (tilebot.Report, error) {
		return tilebot.Report{}, errors.New("backend unavailable")
	})
	a := newFakeAck()

	w.handle(context.Background(), delivery(a, jobBody, amqp.Table{"trace": "abc"}))
	r.Equal(1, a.acks)
	r.Len(ch.published, 1)

	p := ch.published[0]
	r.Equal("jobs", p.queue)
	r.Equal([]byte(jobBody), p.msg.Body)
	r.Equal("m-1", p.msg.MessageId)
	r.Equal(amqp.Persistent, p.msg.DeliveryMode)
	r.Equal(int32(1), p.msg.Headers[AttemptsHeader])
	r.Equal("abc", p.msg.Headers["trace"])
	r.Equal("backend unavailable", p.msg.Headers[errorHeader])
}

func TestHandleDeadLetterAfterMaxReceive(t *testing.T) {
	r := require.New(t)
	ch := &fakeChannel{}
	calls := 0
	w := newWorker(t, ch, func(context.Context, *tilebot.Job) (tilebot.Report, error) {
		calls++
		return tilebot.Report{}, errors.New("backend unavailable")
	})

	a := newFakeAck()
	w.handle(context.Background(), delivery(a, jobBody, amqp.Table{AttemptsHeader: int32(2)}))
	r.Equal(1, calls)
	r.Equal(1, a.acks)
	r.Len(ch.published, 1)
	r.Equal("jobs-dlq", ch.published[0].queue)
	r.Equal(int32(3), ch.published[0].msg.Headers[AttemptsHeader])
}

func TestHandleInvalidJob(t *testing.T) {
	r := require.New(t)
	ch := &fakeChannel{}
	w := newWorker(t, ch, func(context.Context, *tilebot.Job) (tilebot.Report, error) {
		t.Fatal("invalid jobs are not processed")
		return tilebot.Report{}, nil
	})

	a := newFakeAck()
	w.handle(context.Background(), delivery(a, `{"tile":"10-5","dataset":"a.tif"}`, nil))
	r.Equal(1, a.acks)
	r.Len(ch.published, 1)
	r.Equal("jobs-dlq", ch.published[0].queue)
	r.Equal(int32(1), ch.published[0].msg.Headers[AttemptsHeader])
}

func TestHandlePublishFailure(t *testing.T) {
	r := require.New(t)
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	w := newWorker(t, ch, func(context.Context, *tilebot.Job) (tilebot.Report, error) {
		return tilebot.Report{}, errors.New("backend unavailable")
	})

	a := newFakeAck()
	w.handle(context.Background(), delivery(a, jobBody, nil))
	r.Zero(a.acks)
	r.Equal(1, a.nacks)
	r.True(a.requeue)
}

func TestRun(t *testing.T) {
	r := require.New(t)
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 1)}
	w := newWorker(t, ch, func(context.Context, *tilebot.Job) (tilebot.Report, error) {
		return tilebot.Report{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	a := newFakeAck()
	ch.deliveries <- delivery(a, jobBody, nil)
	select {
	case <-a.done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery not acknowledged")
	}

	cancel()
	select {
	case err := <-errc:
		r.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	r.True(ch.cancelled)
	r.Equal(1, a.acks)
}

func TestRunDeliveriesClosed(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	close(ch.deliveries)
	w := newWorker(t, ch, nil)

	err := w.Run(context.Background())
	require.ErrorContains(t, err, "closed unexpectedly")
}
