package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/prl900/tilebot/tilebot"
)

func TestReadTiles(t *testing.T) {
	r := require.New(t)

	tiles, err := ReadTiles(strings.NewReader("14-1-2\n\n# comment\n 14-1-3 \r\n"))
	r.NoError(err)
	r.Equal([]string{"14-1-2", "14-1-3"}, tiles)

	_, err = ReadTiles(strings.NewReader("14-1-2\n14-1\n"))
	r.ErrorContains(err, "line 2")
}

func TestBuildMessages(t *testing.T) {
	r := require.New(t)

	msgs, err := BuildMessages([]string{"14-1-2", "14-1-3"}, tilebot.Message{
		Dataset:    "mosaicid://mydataset",
		Expression: "B02,(B08-B04)/(B08+B04)",
	})
	r.NoError(err)
	r.Len(msgs, 2)
	r.NotEqual(msgs[0].MessageId, msgs[1].MessageId)

	var m map[string]string
	r.NoError(json.Unmarshal(msgs[1].Body, &m))
	r.Equal(map[string]string{
		"tile":       "14-1-3",
		"dataset":    "mosaicid://mydataset",
		"expression": "B02,(B08-B04)/(B08+B04)",
	}, m)
	r.Equal(amqp.Persistent, msgs[0].DeliveryMode)
	r.Equal("application/json", msgs[0].ContentType)

	job, err := tilebot.ParseJob(msgs[0].Body)
	r.NoError(err)
	r.Equal("14-1-2", job.Tile.String())

	_, err = BuildMessages([]string{"1-0-0"}, tilebot.Message{Dataset: "a.tif", PixelSelection: "mode"})
	r.Error(err)
}

type channelPool struct {
	mu       sync.Mutex
	channels []*fakeChannel
	failAt   int
}

func (p *channelPool) open() (PublishChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &fakeChannel{}
	if p.failAt > 0 && len(p.channels)+1 == p.failAt {
		ch.publishErr = errors.New("connection reset")
	}
	p.channels = append(p.channels, ch)
	return ch, nil
}

func testMessages(t *testing.T, n int) []amqp.Publishing {
	tiles := make([]string, n)
	for i := range tiles {
		tiles[i] = fmt.Sprintf("14-%d-0", i)
	}
	msgs, err := BuildMessages(tiles, tilebot.Message{Dataset: "a.tif"})
	require.NoError(t, err)
	return msgs
}

func TestEmit(t *testing.T) {
	r := require.New(t)
	pool := &channelPool{}
	e := &Emitter{Open: pool.open, Queue: "jobs", Concurrency: 2}

	n, err := e.Emit(context.Background(), testMessages(t, 120))
	r.NoError(err)
	r.Equal(120, n)
	r.Len(pool.channels, 3)

	ids := map[string]bool{}
	for _, ch := range pool.channels {
		r.Equal(1, ch.closes)
		for _, p := range ch.published {
			r.Equal("jobs", p.queue)
			ids[p.msg.MessageId] = true
		}
	}
	r.Len(ids, 120)
}

func TestEmitError(t *testing.T) {
	r := require.New(t)
	pool := &channelPool{failAt: 1}
	e := &Emitter{Open: pool.open, Queue: "jobs", ChunkSize: 10, Concurrency: 1}

	n, err := e.Emit(context.Background(), testMessages(t, 30))
	r.ErrorContains(err, "connection reset")
	r.Less(n, 30)
	for _, ch := range pool.channels {
		r.Equal(1, ch.closes)
	}

	e.Open = func() (PublishChannel, error) { return nil, errors.New("no connection") }
	_, err = e.Emit(context.Background(), testMessages(t, 1))
	r.ErrorContains(err, "no connection")
}

func TestChunk(t *testing.T) {
	r := require.New(t)
	r.Nil(chunk([]int{}, 50))
	r.Equal([][]int{{1, 2}, {3, 4}, {5}}, chunk([]int{1, 2, 3, 4, 5}, 2))
	r.Equal([][]int{{1, 2}}, chunk([]int{1, 2}, 2))

	parts := chunk([]int{1, 2, 3}, 2)
	parts[0] = append(parts[0], 9)
	r.Equal([]int{3}, parts[1])
}
