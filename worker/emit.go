package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prl900/tilebot/tilebot"
)

const (
	DefaultChunkSize   = 50
	DefaultConcurrency = 50
)

// PublishChannel is a channel owned by one publishing goroutine.
type PublishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ReadTiles reads one z-x-y tile per line. Blank lines and lines starting
// with # are ignored.
func ReadTiles(r io.Reader) ([]string, error) {
	var tiles []string
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := tilebot.ParseTile(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		tiles = append(tiles, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading tiles: %w", err)
	}
	return tiles, nil
}

// BuildMessages returns one persistent publishing per tile, each a copy
// of tmpl with its tile set.
func BuildMessages(tiles []string, tmpl tilebot.Message) ([]amqp.Publishing, error) {
	msgs := make([]amqp.Publishing, 0, len(tiles))
	for _, tile := range tiles {
		m := tmpl
		m.Tile = tile
		if _, err := m.Job(); err != nil {
			return nil, err
		}
		body, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	}
	return msgs, nil
}

// Emitter publishes jobs in chunks, each chunk on its own channel.
type Emitter struct {
	Open        func() (PublishChannel, error)
	Queue       string
	ChunkSize   int
	Concurrency int
	Logger      *zap.Logger
}

// Emit publishes msgs and returns how many were published. Publishing
// stops at the first error.
func (e *Emitter) Emit(ctx context.Context, msgs []amqp.Publishing) (int, error) {
	size := e.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	limit := e.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	log := e.Logger
	if log == nil {
		log = zap.NewNop()
	}

	chunks := chunk(msgs, size)
	sent := make([]int, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, part := range chunks {
		i, part := i, part
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ch, err := e.Open()
			if err != nil {
				return fmt.Errorf("error opening channel: %w", err)
			}
			defer ch.Close()

			for _, m := range part {
				if err := ch.PublishWithContext(ctx, "", e.Queue, false, false, m); err != nil {
					return fmt.Errorf("error publishing %s: %w", m.MessageId, err)
				}
				sent[i]++
				publishedTotal.Inc()
			}
			log.Debug("chunk published", zap.Int("chunk", i), zap.Int("messages", len(part)))
			return nil
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range sent {
		total += n
	}
	return total, err
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
