// Package sse reassembles answers from the line-delimited `data:` event streams
// returned by the workflow service.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

const (
	// DataPrefix starts every event line we care about.
	DataPrefix = "data:"
	// DoneSentinel terminates some streams. End of body is also a normal end.
	DoneSentinel = "[DONE]"

	// DefaultMaxLineBytes bounds a single buffered line. A stream that never
	// sends a newline fails instead of growing the buffer forever.
	DefaultMaxLineBytes = 4 * 1024 * 1024

	sampleSize = 5
)

// ErrEmptyAnswer means the stream finished cleanly but carried no text.
var ErrEmptyAnswer = errors.New("upstream returned nothing usable")

// Event is one parsed `data:` payload.
type Event struct {
	Name           string
	Answer         string
	HasAnswer      bool
	ConversationID string
	IsError        bool
	Raw            json.RawMessage
}

type payload struct {
	Event          string          `json:"event"`
	Answer         *string         `json:"answer"`
	ConversationID string          `json:"conversation_id"`
	Status         int             `json:"status"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
	Error          json.RawMessage `json:"error"`
}

func (p payload) isError() bool {
	if p.Event == "error" {
		return true
	}
	if p.Status >= 400 {
		return true
	}
	return len(p.Error) > 0 && string(p.Error) != "null" && string(p.Error) != "false"
}

// Reader yields events lazily from an event stream. It is not restartable.
type Reader struct {
	scanner   *bufio.Scanner
	logger    *zap.Logger
	malformed int
}

// NewReader wraps r. maxLine <= 0 uses DefaultMaxLineBytes.
func NewReader(r io.Reader, maxLine int, logger *zap.Logger) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := bufio.NewScanner(r)
	// Lines are split on raw bytes; '\n' never occurs inside a UTF-8
	// sequence, so characters split across reads are reassembled intact.
	initial := 64 * 1024
	if initial > maxLine {
		initial = maxLine
	}
	sc.Buffer(make([]byte, 0, initial), maxLine)
	return &Reader{scanner: sc, logger: logger}
}

// Next returns the next event. It returns io.EOF when the stream ends
// normally and the transport error otherwise.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte(DataPrefix)) {
			continue
		}
		data := bytes.TrimSpace(line[len(DataPrefix):])
		if len(data) == 0 || string(data) == DoneSentinel {
			continue
		}

		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			r.malformed++
			r.logger.Warn("skipping malformed event line",
				zap.Error(err),
				zap.String("line", truncate(string(data), 200)))
			continue
		}

		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		ev := Event{
			Name:           p.Event,
			ConversationID: p.ConversationID,
			IsError:        p.isError(),
			Raw:            raw,
		}
		if p.Answer != nil {
			ev.Answer = *p.Answer
			ev.HasAnswer = true
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Malformed reports how many lines failed to parse so far.
func (r *Reader) Malformed() int {
	return r.malformed
}

// Diagnostics describes a finished stream.
type Diagnostics struct {
	Events     int               `json:"events"`
	Malformed  int               `json:"malformed"`
	FirstError json.RawMessage   `json:"first_error,omitempty"`
	Sample     []json.RawMessage `json:"sample,omitempty"`
	Transport  string            `json:"transport_error,omitempty"`
}

// Result is the reassembled answer of one streaming call.
type Result struct {
	FullAnswer     string
	ConversationID string
	// Partial is set when the transport failed after some text arrived.
	Partial     bool
	Diagnostics Diagnostics
}

// StreamError is returned when the transport failed before any text arrived.
type StreamError struct {
	Err        error
	FirstError json.RawMessage
}

func (e *StreamError) Error() string {
	if len(e.FirstError) > 0 {
		return fmt.Sprintf("stream aborted before any answer: %v (first error event: %s)", e.Err, truncate(string(e.FirstError), 500))
	}
	return fmt.Sprintf("stream aborted before any answer: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// EmptyAnswerError wraps ErrEmptyAnswer with the first error event, if any.
type EmptyAnswerError struct {
	FirstError json.RawMessage
}

func (e *EmptyAnswerError) Error() string {
	if len(e.FirstError) > 0 {
		return fmt.Sprintf("%s (first error event: %s)", ErrEmptyAnswer, truncate(string(e.FirstError), 500))
	}
	return ErrEmptyAnswer.Error()
}

func (e *EmptyAnswerError) Unwrap() error { return ErrEmptyAnswer }

// Aggregate drains r and concatenates the answer deltas.
func Aggregate(r io.Reader, logger *zap.Logger) (*Result, error) {
	return AggregateReader(NewReader(r, 0, logger))
}

// AggregateReader drains an existing Reader.
func AggregateReader(rd *Reader) (*Result, error) {
	var (
		answer strings.Builder
		res    Result
	)
	for {
		ev, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.FullAnswer = answer.String()
			res.Diagnostics.Malformed = rd.Malformed()
			res.Diagnostics.Transport = err.Error()
			if res.FullAnswer != "" {
				res.Partial = true
				rd.logger.Warn("stream aborted, returning partial answer",
					zap.Error(err),
					zap.Int("answer_len", len(res.FullAnswer)))
				return &res, nil
			}
			return nil, &StreamError{Err: err, FirstError: res.Diagnostics.FirstError}
		}

		res.Diagnostics.Events++
		if len(res.Diagnostics.Sample) < sampleSize {
			res.Diagnostics.Sample = append(res.Diagnostics.Sample, ev.Raw)
		}
		if ev.HasAnswer {
			answer.WriteString(ev.Answer)
		}
		if ev.ConversationID != "" {
			res.ConversationID = ev.ConversationID
		}
		if ev.IsError && res.Diagnostics.FirstError == nil {
			res.Diagnostics.FirstError = ev.Raw
			rd.logger.Warn("error event in stream", zap.String("payload", truncate(string(ev.Raw), 500)))
		}
	}

	res.FullAnswer = answer.String()
	res.Diagnostics.Malformed = rd.Malformed()
	if res.FullAnswer == "" {
		return nil, &EmptyAnswerError{FirstError: res.Diagnostics.FirstError}
	}
	return &res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
