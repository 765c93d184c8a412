package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ricardoakrug/groupgraph/internal/source"
)

// Run subscribes to new messages from the source and processes them with a
// bounded worker pool. Per-message failures are logged and skipped so one bad
// message never stalls the stream. Run returns when the context is cancelled
// or the source channel closes; messages already in flight are completed
// before returning.
func (p *Pipeline) Run(ctx context.Context, src source.Source, groupIDs []string, workers int) error {
	if workers < 1 {
		workers = 1
	}

	ch, err := src.Watch(ctx, groupIDs)
	if err != nil {
		return fmt.Errorf("failed to start watching groups: %w", err)
	}
	p.log.InfoContext(ctx, "Ingestion loop started", "groups", len(groupIDs), "workers", workers)

	// In-flight messages finish even during shutdown: a message dropped
	// between delivery and commit would be lost until the next catch-up.
	workCtx := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(workers)

	for raw := range ch {
		g.Go(func() error {
			p.handle(workCtx, raw)
			return nil
		})
	}

	_ = g.Wait()
	p.log.InfoContext(ctx, "Ingestion loop stopped")
	return ctx.Err()
}

// handle processes one message, logging instead of propagating so one bad
// message never stalls a stream or a scrape. The classified error is still
// returned for callers that track storage failures.
func (p *Pipeline) handle(ctx context.Context, raw source.RawMessage) error {
	err := p.ProcessMessage(ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedMessage):
		p.log.WarnContext(ctx, "Dropping malformed message", "message_id", raw.ID, "error", err)
	case errors.Is(err, ErrAnalysis):
		p.log.WarnContext(ctx, "Analysis failed, message stored without derived signals",
			"message_id", raw.ID, "error", err)
	default:
		p.log.ErrorContext(ctx, "Failed to process message", "message_id", raw.ID, "error", err)
	}
	return err
}
