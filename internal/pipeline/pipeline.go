// Package pipeline normalizes raw group-chat messages, persists them
// idempotently, runs analysis, and folds the results into the derived
// aggregates.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/ricardoakrug/groupgraph/internal/analysis"
	"github.com/ricardoakrug/groupgraph/internal/database"
	"github.com/ricardoakrug/groupgraph/internal/source"
)

// Pipeline drives one message through ingest, persist, analyze, aggregate.
type Pipeline struct {
	store    database.Store
	analyzer analysis.Analyzer
	log      *slog.Logger
}

// New creates a message pipeline.
func New(store database.Store, analyzer analysis.Analyzer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		store:    store,
		analyzer: analyzer,
		log:      logger.With("component", "pipeline"),
	}
}

// ProcessMessage runs the full pipeline for one raw message. The raw message
// is committed to storage before analysis starts, so an analyzer outage loses
// derived signals but never the message itself. Redelivering an
// already-processed message is a no-op at every stage.
func (p *Pipeline) ProcessMessage(ctx context.Context, raw source.RawMessage) error {
	msg, err := Normalize(raw)
	if err != nil {
		return err
	}

	if err := p.persist(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	res, err := p.analyzer.Analyze(ctx, analysis.Message{
		ID:      msg.MessageID,
		Sender:  msg.Sender,
		Content: msg.Content,
		Type:    msg.Type,
	})
	if err != nil {
		return fmt.Errorf("%w: message %s: %v", ErrAnalysis, msg.MessageID, err)
	}

	applied, err := p.store.ApplyAnalysis(ctx, msg.MessageID, aggregateUpdate(res))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !applied {
		p.log.DebugContext(ctx, "Message was already aggregated", "message_id", msg.MessageID)
		return nil
	}

	p.log.InfoContext(ctx, "Message processed",
		"message_id", msg.MessageID,
		"group_id", msg.GroupID,
		"topics", len(res.Topics),
		"is_reply", msg.Quoted != nil)
	return nil
}

// persist writes the normalized message and its sender, membership, and
// mention rows. All writes are idempotent.
func (p *Pipeline) persist(ctx context.Context, msg ProcessedMessage) error {
	if err := p.store.EnsureParticipant(ctx, msg.Sender); err != nil {
		return err
	}
	if err := p.store.UpsertMembership(ctx, msg.GroupID, msg.Sender); err != nil {
		return err
	}

	row := &database.Message{
		ID:          msg.MessageID,
		GroupID:     msg.GroupID,
		SenderID:    msg.Sender,
		Content:     msg.Content,
		MessageType: msg.Type,
		Timestamp:   msg.Timestamp,
	}
	if msg.Quoted != nil {
		row.QuotedMessageID = sql.NullString{String: msg.Quoted.ID, Valid: true}
	}
	if err := p.store.InsertMessageIfAbsent(ctx, row); err != nil {
		return err
	}

	return p.store.InsertMentionsIfAbsent(ctx, msg.MessageID, msg.Mentions)
}
