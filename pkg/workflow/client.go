// Package workflow talks to the hosted AI workflow service that performs the
// layout, energy and report stages. The service is treated as an opaque
// text generator; this package only moves inputs in and answers out.
package workflow

import (
	"context"
	"io"
)

type Stage string

const (
	StageLayout Stage = "layout"
	StageEnergy Stage = "energy"
	StageReport Stage = "report"
)

// Stages lists the pipeline order.
var Stages = []Stage{StageLayout, StageEnergy, StageReport}

// Previous returns the stage that must succeed before s, or "" for the first.
func (s Stage) Previous() Stage {
	for i, st := range Stages {
		if st == s && i > 0 {
			return Stages[i-1]
		}
	}
	return ""
}

func (s Stage) Valid() bool {
	switch s {
	case StageLayout, StageEnergy, StageReport:
		return true
	}
	return false
}

// StageInput is what one stage invocation sends upstream.
type StageInput struct {
	User           string
	Query          string
	Inputs         map[string]interface{}
	ConversationID string
	FileIDs        []string
}

// StageOutput is the reassembled answer of one stage invocation.
type StageOutput struct {
	Stage          Stage
	Answer         string
	ConversationID string
	Partial        bool
}

// Client is the capability the orchestrator depends on.
type Client interface {
	Upload(ctx context.Context, user, filename string, content io.Reader) (string, error)
	InvokeStage(ctx context.Context, stage Stage, in StageInput) (*StageOutput, error)
}
