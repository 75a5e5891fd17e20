// Package report turns the report stage's answer text into a deliverable
// PDF. It never returns bytes that do not carry the PDF signature.
package report

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Source records where a materialized PDF came from.
type Source string

const (
	SourceEmbedded Source = "embedded"
	SourceRendered Source = "rendered"
)

type Materialized struct {
	PDF      []byte
	Markdown string
	Source   Source
}

// Base64 returns the transport encoding of the PDF.
func (m *Materialized) Base64() string {
	s, err := EncodePDF(m.PDF)
	if err != nil {
		return ""
	}
	return s
}

type Materializer struct {
	renderer Renderer
	logger   *zap.Logger
}

func NewMaterializer(renderer Renderer, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{renderer: renderer, logger: logger}
}

// Materialize prefers a PDF embedded in answer and falls back to rendering
// the answer as markdown. A rendered document without the PDF signature is
// an error wrapping ErrInvalidPDF.
func (m *Materializer) Materialize(ctx context.Context, answer string) (*Materialized, error) {
	markdown := stripEmbedded(answer)

	pdf, found, err := ExtractEmbeddedPDF(answer)
	switch {
	case found && err == nil:
		return &Materialized{PDF: pdf, Markdown: markdown, Source: SourceEmbedded}, nil
	case found:
		m.logger.Warn("discarding embedded pdf", zap.Error(err))
	}

	if m.renderer == nil {
		return nil, ErrRendererUnavailable
	}
	pdf, err = m.renderer.Render(ctx, markdown)
	if err != nil {
		return nil, err
	}
	if !IsPDF(pdf) {
		m.logger.Error("renderer returned malformed pdf", zap.Int("bytes", len(pdf)))
		return nil, fmt.Errorf("rendered document rejected: %w", ErrInvalidPDF)
	}
	return &Materialized{PDF: pdf, Markdown: markdown, Source: SourceRendered}, nil
}

// stripEmbedded removes the data URI payload so the markdown stays readable.
func stripEmbedded(answer string) string {
	i := strings.Index(answer, EmbeddedPDFMarker)
	if i < 0 {
		return answer
	}
	rest := answer[i+len(EmbeddedPDFMarker):]
	head := strings.TrimSpace(answer[:i])
	tail := strings.TrimSpace(rest[payloadEnd(rest):])
	if head == "" || tail == "" {
		return head + tail
	}
	return head + "\n\n" + tail
}
