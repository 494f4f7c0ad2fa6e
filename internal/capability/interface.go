// Package capability defines the contracts for the external language-model
// and knowledge-graph services the pipeline calls into, plus the HTTP client
// against the model sidecar. Implementations are collaborators: the pipeline
// treats them as black boxes and only depends on their retry classification.
package capability

import (
	"context"
	"fmt"

	"reqflow/backend/pkg/models"
)

// Criterion is one scored dimension of an evaluation.
type Criterion struct {
	Name    string  `json:"name"`
	Score   float64 `json:"score"`
	Comment string  `json:"comment,omitempty"`
}

// Evaluation is the sidecar's judgement of one requirement text.
type Evaluation struct {
	Score        float64     `json:"score"`
	Verdict      string      `json:"verdict"`
	PerCriterion []Criterion `json:"per_criterion,omitempty"`
}

// Atom is a rewrite suggestion fragment.
type Atom struct {
	Kind string `json:"kind,omitempty"`
	Text string `json:"text"`
}

// Graph is the knowledge-graph build result.
type Graph struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// Hit is one knowledge-graph search result.
type Hit struct {
	ItemID string  `json:"item_id"`
	Text   string  `json:"text,omitempty"`
	Score  float64 `json:"score"`
}

// Evaluator scores requirement text against the quality criteria.
type Evaluator interface {
	Evaluate(ctx context.Context, text string) (*Evaluation, error)
}

// Suggester proposes rewrite atoms for a requirement.
type Suggester interface {
	Suggest(ctx context.Context, text string) ([]Atom, error)
}

// Rewriter applies suggestion atoms to produce improved requirement text.
type Rewriter interface {
	Rewrite(ctx context.Context, text string, atoms []Atom) (string, error)
}

// Miner extracts requirement items from a raw document.
type Miner interface {
	Mine(ctx context.Context, document string) ([]*models.RequirementItem, error)
}

// GraphBuilder maintains the requirement knowledge graph.
type GraphBuilder interface {
	BuildGraph(ctx context.Context, items []*models.RequirementItem) (*Graph, error)
	Search(ctx context.Context, query string, topK int) ([]Hit, error)
}

// Client bundles every capability the pipeline consumes.
type Client interface {
	Evaluator
	Suggester
	Rewriter
	Miner
	GraphBuilder
}

// CallError is a failed capability call with its retry classification. The
// worker pool retries transient failures (network, timeout, rate limit) and
// isolates fatal ones (malformed input) to the single item.
type CallError struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("capability %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("capability %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports the transient/fatal classification to the pool.
func (e *CallError) Retryable() bool { return e.Transient }
