package pipeline

import (
	"github.com/ricardoakrug/groupgraph/internal/analysis"
	"github.com/ricardoakrug/groupgraph/internal/database"
)

// DefaultConfidence is assigned to topic and entity detections; the analyzer
// reports what it found but not how sure it is.
const DefaultConfidence = 0.7

// InteractionDelta maps a message sentiment in [-1, 1] to the relationship
// strength increment for a reply. A hostile exchange still strengthens the
// pair slightly (0.1); a warm one adds up to 0.2.
func InteractionDelta(sentiment float64) float64 {
	return 0.1 + (sentiment+1)/20
}

// flattenEntities converts the analyzer's per-kind entity lists into flat
// typed detections for the store.
func flattenEntities(e analysis.Entities) []database.EntityDetection {
	var out []database.EntityDetection
	add := func(names []string, entityType string) {
		for _, name := range names {
			if name == "" {
				continue
			}
			out = append(out, database.EntityDetection{
				Name:       name,
				Type:       entityType,
				Confidence: DefaultConfidence,
			})
		}
	}

	add(e.Organizations, "organization")
	add(e.Locations, "location")
	add(e.Products, "product")
	add(e.URLs, "url")
	return out
}

// aggregateUpdate assembles the store-level fold input from one analysis
// result.
func aggregateUpdate(res analysis.Result) database.AggregateUpdate {
	return database.AggregateUpdate{
		Sentiment:        res.Sentiment,
		IntentType:       res.IntentType,
		Language:         res.Language,
		Topics:           res.Topics,
		TopicConfidence:  DefaultConfidence,
		Entities:         flattenEntities(res.Entities),
		InteractionDelta: InteractionDelta(res.Sentiment),
	}
}
