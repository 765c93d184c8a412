// Package analysis defines the pluggable message-analysis capability and a
// neutral default implementation used when no model is configured.
package analysis

import "context"

// Message is the analyzer's view of a chat message.
type Message struct {
	ID      string
	Sender  string
	Content string
	Type    string
}

// Entities groups the named entities detected in a message by kind.
type Entities struct {
	Organizations []string
	Locations     []string
	Products      []string
	URLs          []string
}

// Result is the output of analyzing one message. Sentiment is in [-1, 1]
// and Language is an IETF-ish code.
type Result struct {
	Sentiment  float64
	Topics     []string
	Entities   Entities
	IntentType string
	Language   string
}

// Analyzer extracts derived signals from a message. Implementations must
// have no side effects.
type Analyzer interface {
	Analyze(ctx context.Context, msg Message) (Result, error)
}

type neutralAnalyzer struct{}

// NewNeutralAnalyzer returns an analyzer producing neutral output: sentiment
// 0, no topics or entities, intent "statement", language "en". It keeps the
// pipeline fully functional without a configured model.
func NewNeutralAnalyzer() Analyzer {
	return neutralAnalyzer{}
}

func (neutralAnalyzer) Analyze(_ context.Context, _ Message) (Result, error) {
	return Result{
		Sentiment:  0,
		IntentType: "statement",
		Language:   "en",
	}, nil
}
