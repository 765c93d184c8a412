package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ricardoakrug/groupgraph/internal/source"
)

// CatchUp refreshes metadata and backfills history for each group. The
// scrape watermark is read before any new message is stored, so messages
// arriving mid-scrape land after the watermark and are picked up by the next
// run instead of being skipped. Sources without history access still get
// their metadata and roster refreshed.
func (p *Pipeline) CatchUp(ctx context.Context, src source.Source, groupIDs []string, fetchLimit int) error {
	var firstErr error
	for _, groupID := range groupIDs {
		if err := p.catchUpGroup(ctx, src, groupID, fetchLimit); err != nil {
			p.log.ErrorContext(ctx, "Group catch-up failed", "group_id", groupID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (p *Pipeline) catchUpGroup(ctx context.Context, src source.Source, groupID string, fetchLimit int) error {
	watermark, err := p.store.GetLastScrapedTimestamp(ctx, groupID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	info, err := src.GroupInfo(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to fetch group info for %s: %w", groupID, err)
	}

	raws, err := src.FetchMessages(ctx, groupID, fetchLimit)
	switch {
	case errors.Is(err, source.ErrUnsupported):
		p.log.DebugContext(ctx, "Source has no history access, metadata-only catch-up",
			"group_id", groupID)
		raws = nil
	case err != nil:
		return fmt.Errorf("failed to fetch messages for group %s: %w", groupID, err)
	}

	// Analysis failures don't count: the message is stored and the pending
	// sweep retries it. Malformed messages are dropped by design.
	processed, storeFailures := 0, 0
	for _, raw := range raws {
		if watermark != nil && !time.Unix(raw.Timestamp, 0).After(*watermark) {
			continue
		}
		if err := p.handle(ctx, raw); errors.Is(err, ErrPersistence) {
			storeFailures++
			continue
		}
		processed++
	}
	if storeFailures > 0 {
		return fmt.Errorf("%w: %d messages not stored for group %s, watermark not advanced",
			ErrPersistence, storeFailures, groupID)
	}

	// The watermark (last_scraped_at) advances only now, after every fetched
	// message is durably stored, so a message we failed to store stays ahead
	// of it and is re-fetched by the next run.
	if err := p.store.UpsertGroup(ctx, info.ID, info.Name, info.Description, info.CreatedAt); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := p.store.EnsureGroupRoster(ctx, info.ID, info.Participants); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	p.log.InfoContext(ctx, "Group catch-up complete",
		"group_id", groupID, "fetched", len(raws), "processed", processed)
	return nil
}
