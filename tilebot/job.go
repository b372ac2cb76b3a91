// Package tilebot turns tile jobs into encoded tiles: it parses a job,
// resolves its datasets, reads and composites the tile of each one and
// uploads the result.
package tilebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/prl900/tilebot/mosaic"
	"github.com/prl900/tilebot/rastreader"
)

// ValidationError reports a malformed job. Redelivering the same payload
// cannot succeed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job: " + e.Reason
	}
	return fmt.Sprintf("invalid job %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Message is the wire form of a job.
type Message struct {
	Tile           string `json:"tile"`
	Dataset        string `json:"dataset,omitempty"`
	Layer          string `json:"layer,omitempty"`
	Indexes        string `json:"indexes,omitempty"`
	Expression     string `json:"expression,omitempty"`
	PixelSelection string `json:"pixel_selection,omitempty"`
	Reader         string `json:"reader,omitempty"`
}

type Job struct {
	Tile     rastreader.Tile
	Datasets []string
	// Indexes is a comma separated list of band indexes, asset or band
	// names. Ignored when Expression is set.
	Indexes        string
	Expression     string
	PixelSelection mosaic.PixelSelection
	Reader         string
}

// ParseTile parses a "z-x-y" tile token.
func ParseTile(s string) (rastreader.Tile, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return rastreader.Tile{}, invalid("tile", "%q is not of the form z-x-y", s)
	}
	var zxy [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return rastreader.Tile{}, invalid("tile", "%q is not of the form z-x-y", s)
		}
		zxy[i] = n
	}
	return rastreader.Tile{Z: zxy[0], X: zxy[1], Y: zxy[2]}, nil
}

type envelope struct {
	Records []struct {
		Body string `json:"body"`
		Sns  struct {
			Message string `json:"Message"`
		} `json:"Sns"`
	} `json:"Records"`
	Message json.RawMessage `json:"Message"`
	Tile    json.RawMessage `json:"tile"`
}

const maxEnvelopeDepth = 4

// UnwrapEnvelope strips queue event ({"Records":[{"body":...}]}) and topic
// notification ({"Message":...}) envelopes, and JSON strings holding a
// document, from payload. Payloads carrying a tile are jobs and are
// returned unchanged, whatever other fields they hold.
func UnwrapEnvelope(payload []byte) []byte {
	for i := 0; i < maxEnvelopeDepth; i++ {
		payload = bytes.TrimSpace(payload)
		next, ok := unwrapOnce(payload)
		if !ok {
			return payload
		}
		payload = next
	}
	return payload
}

func unwrapOnce(payload []byte) ([]byte, bool) {
	if len(payload) > 0 && payload[0] == '"' {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, false
		}
		return []byte(s), true
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false
	}
	if tile := string(env.Tile); tile != "" && tile != "null" && tile != `""` {
		return nil, false
	}
	if len(env.Records) > 0 {
		rec := env.Records[0]
		switch {
		case rec.Body != "":
			return []byte(rec.Body), true
		case rec.Sns.Message != "":
			return []byte(rec.Sns.Message), true
		}
	}
	if len(env.Message) > 0 && string(env.Message) != "null" {
		return env.Message, true
	}
	return nil, false
}

// ParseJob decodes and validates a job payload, unwrapping envelopes
// first. Unknown fields are ignored.
func ParseJob(payload []byte) (*Job, error) {
	var m Message
	if err := json.Unmarshal(UnwrapEnvelope(payload), &m); err != nil {
		return nil, invalid("", "malformed payload: %v", err)
	}
	return m.Job()
}

// Job validates m and applies defaults.
func (m Message) Job() (*Job, error) {
	tile, err := ParseTile(m.Tile)
	if err != nil {
		return nil, err
	}

	raw := m.Dataset
	if raw == "" {
		raw = m.Layer
	}
	var datasets []string
	for _, d := range strings.Split(raw, ",") {
		if d = strings.TrimSpace(d); d != "" {
			datasets = append(datasets, d)
		}
	}
	if len(datasets) == 0 {
		return nil, invalid("dataset", "no dataset given")
	}

	var sel mosaic.PixelSelection
	if m.PixelSelection != "" {
		if sel, err = mosaic.ParsePixelSelection(m.PixelSelection); err != nil {
			return nil, invalid("pixel_selection", "%v", err)
		}
	}

	reader := strings.TrimSpace(m.Reader)
	if reader == "" {
		reader = rastreader.DefaultVariant
	}

	return &Job{
		Tile:           tile,
		Datasets:       datasets,
		Indexes:        strings.TrimSpace(m.Indexes),
		Expression:     strings.TrimSpace(m.Expression),
		PixelSelection: sel,
		Reader:         reader,
	}, nil
}
