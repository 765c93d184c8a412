package pipeline

import (
	"context"
	"fmt"

	"github.com/ricardoakrug/groupgraph/internal/analysis"
)

// ProcessPending re-runs analysis and aggregation for stored messages whose
// aggregates were never applied, typically because the analyzer was down
// when they arrived. ApplyAnalysis is exactly-once per message, so sweeping
// a message that was aggregated concurrently is a no-op. Returns the first
// error encountered; later messages are still attempted.
func (p *Pipeline) ProcessPending(ctx context.Context, limit int) error {
	msgs, err := p.store.GetUnaggregatedMessages(ctx, limit)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if len(msgs) == 0 {
		p.log.DebugContext(ctx, "No pending messages to sweep")
		return nil
	}

	var firstErr error
	aggregated := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := p.analyzer.Analyze(ctx, analysis.Message{
			ID:      msg.ID,
			Sender:  msg.SenderID,
			Content: msg.Content,
			Type:    msg.MessageType,
		})
		if err != nil {
			p.log.WarnContext(ctx, "Analysis still failing for pending message",
				"message_id", msg.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: message %s: %v", ErrAnalysis, msg.ID, err)
			}
			continue
		}

		applied, err := p.store.ApplyAnalysis(ctx, msg.ID, aggregateUpdate(res))
		if err != nil {
			p.log.ErrorContext(ctx, "Failed to aggregate pending message",
				"message_id", msg.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", ErrPersistence, err)
			}
			continue
		}
		if applied {
			aggregated++
		}
	}

	p.log.InfoContext(ctx, "Pending message sweep complete",
		"pending", len(msgs), "aggregated", aggregated)
	return firstErr
}
