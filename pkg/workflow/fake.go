package workflow

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// FakeResponse scripts one stage answer. Err wins over Answer.
type FakeResponse struct {
	Answer         string
	ConversationID string
	Partial        bool
	Err            error
}

// FakeClient is a deterministic Client for tests. Each stage replays its
// scripted responses in order and repeats the last one when exhausted.
type FakeClient struct {
	mu        sync.Mutex
	responses map[Stage][]FakeResponse
	calls     map[Stage]int
	inputs    map[Stage][]StageInput
	uploads   int
}

var _ Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		responses: make(map[Stage][]FakeResponse),
		calls:     make(map[Stage]int),
		inputs:    make(map[Stage][]StageInput),
	}
}

// Script appends responses for stage.
func (f *FakeClient) Script(stage Stage, responses ...FakeResponse) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[stage] = append(f.responses[stage], responses...)
	return f
}

func (f *FakeClient) Upload(ctx context.Context, user, filename string, content io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, content); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return fmt.Sprintf("file-%d", f.uploads), nil
}

func (f *FakeClient) InvokeStage(ctx context.Context, stage Stage, in StageInput) (*StageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.calls[stage]
	f.calls[stage] = n + 1
	f.inputs[stage] = append(f.inputs[stage], in)

	script := f.responses[stage]
	if len(script) == 0 {
		return nil, &UpstreamError{Stage: stage, Message: "no scripted response"}
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	r := script[n]
	if r.Err != nil {
		return nil, r.Err
	}
	return &StageOutput{
		Stage:          stage,
		Answer:         r.Answer,
		ConversationID: r.ConversationID,
		Partial:        r.Partial,
	}, nil
}

// Calls returns how many times stage was invoked.
func (f *FakeClient) Calls(stage Stage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

// LastInput returns the most recent input sent to stage.
func (f *FakeClient) LastInput(stage Stage) (StageInput, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := f.inputs[stage]
	if len(in) == 0 {
		return StageInput{}, false
	}
	return in[len(in)-1], true
}
