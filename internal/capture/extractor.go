package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/adapters"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
)

// ExtractionError describes an admitted candidate whose text could not be read.
// The node stays marked and is not retried.
type ExtractionError struct {
	SourceID string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.SourceID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Reason is a short label for the failure class.
func (e *ExtractionError) Reason() string {
	switch {
	case errors.Is(e.Err, adapters.ErrMissingPrompt):
		return "missing_prompt"
	case errors.Is(e.Err, adapters.ErrMissingResponse):
		return "missing_response"
	case errors.Is(e.Err, adapters.ErrEmptyText):
		return "empty_text"
	default:
		return "unknown"
	}
}

// ScanResult is the outcome of one pass over the root container, in document
// order.
type ScanResult struct {
	Turns    []domain.CapturedTurn
	Failures []*ExtractionError
	// Pending counts unmarked candidates that are not complete yet.
	Pending int
}

// Extractor turns complete candidates into captured turns.
type Extractor struct {
	adapter adapters.SiteAdapter
	ledger  Ledger
	log     logger.Logger
	now     func() time.Time
}

// NewExtractor builds an extractor for adapter.
func NewExtractor(adapter adapters.SiteAdapter, ledger Ledger, log logger.Logger) *Extractor {
	return &Extractor{
		adapter: adapter,
		ledger:  ledger,
		log:     logger.Ensure(log),
		now:     time.Now,
	}
}

// Scan enumerates candidates under root and admits every complete, unmarked
// one. Each admitted node is marked before its text is read. Nodes that
// disappear while being inspected are skipped.
func (x *Extractor) Scan(root dom.Node) (ScanResult, error) {
	var res ScanResult

	nodes, err := root.QueryAll(x.adapter.CandidateSelector())
	if err != nil {
		return res, fmt.Errorf("enumerate candidates: %w", err)
	}

	for _, n := range nodes {
		marked, err := x.ledger.IsMarked(n)
		if err != nil {
			x.skip(n, "mark_check", err)
			continue
		}
		if marked {
			continue
		}

		done, err := x.adapter.IsComplete(n)
		if err != nil {
			x.skip(n, "completion_check", err)
			continue
		}
		if !done {
			res.Pending++
			continue
		}

		admitted, err := x.ledger.Admit(n)
		if err != nil {
			x.skip(n, "admit", err)
			continue
		}
		if !admitted {
			continue
		}

		sourceID := x.sourceID(n)
		ex, err := x.adapter.Extract(n)
		if err != nil {
			if errors.Is(err, dom.ErrDetached) {
				x.skip(n, "extract", err)
				continue
			}
			fail := &ExtractionError{SourceID: sourceID, Err: err}
			res.Failures = append(res.Failures, fail)
			x.log.WarnObj("turn extraction failed", "extraction_failure", map[string]any{
				"adapter_id": x.adapter.ID(),
				"source_id":  sourceID,
				"reason":     fail.Reason(),
				"error":      err.Error(),
			})
			continue
		}

		res.Turns = append(res.Turns, domain.CapturedTurn{
			SourceID:   sourceID,
			Source:     domain.Source(x.adapter.Source()),
			Prompt:     ex.Prompt,
			Response:   ex.Response,
			CapturedAt: x.now().UTC(),
		})
	}
	return res, nil
}

func (x *Extractor) sourceID(n dom.Node) string {
	return x.adapter.ID() + "/" + strings.TrimSpace(x.adapter.Identity(n))
}

func (x *Extractor) skip(n dom.Node, stage string, err error) {
	x.log.DebugObj("candidate skipped", "candidate_skip", map[string]any{
		"adapter_id": x.adapter.ID(),
		"node":       n.ID(),
		"stage":      stage,
		"error":      err.Error(),
	})
}
