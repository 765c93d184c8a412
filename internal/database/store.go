package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations. Every write is an
// insert-or-update and safe under at-least-once redelivery; conflicts on
// duplicate keys are recovered locally and never surfaced as errors.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertGroup inserts the group or updates its name, description, and
	// last_scraped_at. The original created_at is preserved on conflict.
	UpsertGroup(ctx context.Context, id, name, description string, createdAt time.Time) error

	// EnsureParticipant inserts the participant if absent; no-op on conflict.
	EnsureParticipant(ctx context.Context, id string) error

	// UpsertMembership records that a participant belongs to a group.
	// Never duplicates a membership row.
	UpsertMembership(ctx context.Context, groupID, participantID string) error

	// EnsureGroupRoster ensures participant and membership rows exist for
	// every id in the group's participant list.
	EnsureGroupRoster(ctx context.Context, groupID string, participantIDs []string) error

	// InsertMessageIfAbsent inserts a raw message; a redelivered id is
	// silently ignored so already-attached analysis fields are never lost.
	InsertMessageIfAbsent(ctx context.Context, msg *Message) error

	// InsertMentionsIfAbsent batch-inserts mention rows for a message.
	InsertMentionsIfAbsent(ctx context.Context, messageID string, participantIDs []string) error

	// PatchMessageAnalysis updates the analysis columns of a message in
	// place. Re-applying the same result is a no-op.
	PatchMessageAnalysis(ctx context.Context, messageID string, sentiment float64, intentType, language string) error

	// GetMessage retrieves a message by id. Returns nil, nil if not found.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// GetMessages retrieves messages for a group ordered by timestamp,
	// optionally bounded by from/to (inclusive).
	GetMessages(ctx context.Context, groupID string, from, to *time.Time) ([]Message, error)

	// GetLastScrapedTimestamp returns the group's last_scraped_at, or
	// nil, nil when the group is unknown.
	GetLastScrapedTimestamp(ctx context.Context, groupID string) (*time.Time, error)

	// GetUnaggregatedMessages returns up to limit messages whose aggregates
	// have not been applied yet, oldest first.
	GetUnaggregatedMessages(ctx context.Context, limit int) ([]Message, error)

	// UpsertInterests applies one detected-topic mention per topic to the
	// participant's interests.
	UpsertInterests(ctx context.Context, participantID string, topics []string, confidence float64) error

	// UpsertLanguage registers the language code if needed and applies one
	// usage observation to the participant's proficiency record.
	UpsertLanguage(ctx context.Context, participantID, languageCode string, confidence float64) error

	// UpsertInteraction applies one interaction of the given strength delta
	// to the canonical (sorted) participant pair.
	UpsertInteraction(ctx context.Context, participant1ID, participant2ID string, delta float64) error

	// InsertMessageTopics appends one topic row per detection for a message.
	InsertMessageTopics(ctx context.Context, messageID string, topics []string, confidence float64) error

	// LinkMessageEntity upserts the entity by (name, type) and appends a
	// message-entity link carrying the per-detection confidence.
	LinkMessageEntity(ctx context.Context, messageID, name, entityType string, confidence float64) error

	// ApplyAnalysis runs the full aggregation fold for one message in a
	// single transaction. Returns false without error if the message was
	// already aggregated, so additive counters are applied exactly once
	// per message. Aggregating a message that was never stored is an error.
	ApplyAnalysis(ctx context.Context, messageID string, upd AggregateUpdate) (bool, error)

	// GetInterest retrieves one interest row. Returns nil, nil if not found.
	GetInterest(ctx context.Context, participantID, interestID string) (*Interest, error)

	// GetInteraction retrieves the interaction row for a pair in either
	// order. Returns nil, nil if not found.
	GetInteraction(ctx context.Context, participant1ID, participant2ID string) (*Interaction, error)

	// GetParticipantLanguage retrieves one language proficiency row.
	// Returns nil, nil if not found.
	GetParticipantLanguage(ctx context.Context, participantID, languageCode string) (*ParticipantLanguage, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) UpsertGroup(ctx context.Context, id, name, description string, createdAt time.Time) error {
	if id == "" {
		return fmt.Errorf("group id cannot be empty")
	}

	query := `
        INSERT INTO groups (id, name, description, created_at, last_scraped_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            description = excluded.description,
            last_scraped_at = excluded.last_scraped_at;
    `

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query, id, name, description, createdAt.UTC(), now); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting group", "group_id", id, "error", err)
		return fmt.Errorf("failed to upsert group %s: %w", id, err)
	}

	s.logger.DebugContext(ctx, "Group upserted", "group_id", id)
	return nil
}

func (s *sqlxStore) EnsureParticipant(ctx context.Context, id string) error {
	return s.ensureParticipant(ctx, s.db, id)
}

func (s *sqlxStore) ensureParticipant(ctx context.Context, ext sqlx.ExtContext, id string) error {
	if id == "" {
		return fmt.Errorf("participant id cannot be empty")
	}

	// Phone number extraction mirrors source ids of the form <number>@<host>.
	query := `
        INSERT INTO participants (id, phone_number, created_at)
        VALUES (?, ?, ?)
        ON CONFLICT(id) DO NOTHING;
    `

	phone := id
	if idx := strings.IndexByte(id, '@'); idx != -1 {
		phone = id[:idx]
	}

	if _, err := ext.ExecContext(ctx, query, id, phone, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error ensuring participant", "participant_id", id, "error", err)
		return fmt.Errorf("failed to ensure participant %s: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) UpsertMembership(ctx context.Context, groupID, participantID string) error {
	if groupID == "" || participantID == "" {
		return fmt.Errorf("group id and participant id cannot be empty")
	}

	query := `
        INSERT INTO group_memberships (group_id, participant_id, joined_at)
        VALUES (?, ?, ?)
        ON CONFLICT(group_id, participant_id) DO NOTHING;
    `

	if _, err := s.db.ExecContext(ctx, query, groupID, participantID, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting membership",
			"group_id", groupID, "participant_id", participantID, "error", err)
		return fmt.Errorf("failed to upsert membership (%s, %s): %w", groupID, participantID, err)
	}
	return nil
}

func (s *sqlxStore) EnsureGroupRoster(ctx context.Context, groupID string, participantIDs []string) error {
	// Participants must exist before any membership row referencing them.
	for _, pid := range participantIDs {
		if err := s.EnsureParticipant(ctx, pid); err != nil {
			return err
		}
		if err := s.UpsertMembership(ctx, groupID, pid); err != nil {
			return err
		}
	}

	s.logger.DebugContext(ctx, "Group roster ensured", "group_id", groupID, "participants", len(participantIDs))
	return nil
}

func (s *sqlxStore) InsertMessageIfAbsent(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot insert nil message")
	}
	if msg.ID == "" {
		return fmt.Errorf("message must have a non-empty id")
	}
	if msg.GroupID == "" || msg.SenderID == "" {
		return fmt.Errorf("message %s must have group_id and sender_id", msg.ID)
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("message %s must have a non-zero timestamp", msg.ID)
	}

	query := `
        INSERT INTO messages (id, group_id, sender_id, content, message_type, timestamp, quoted_message_id)
        VALUES (:id, :group_id, :sender_id, :content, :message_type, :timestamp, :quoted_message_id)
        ON CONFLICT(id) DO NOTHING;
    `

	result, err := s.db.NamedExecContext(ctx, query, msg)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting message", "message_id", msg.ID, "error", err)
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		s.logger.DebugContext(ctx, "Duplicate message ignored", "message_id", msg.ID)
	}
	return nil
}

func (s *sqlxStore) InsertMentionsIfAbsent(ctx context.Context, messageID string, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}

	query := `
        INSERT INTO mentions (message_id, participant_id)
        VALUES (?, ?)
        ON CONFLICT(message_id, participant_id) DO NOTHING;
    `

	for _, pid := range participantIDs {
		if err := s.ensureParticipant(ctx, s.db, pid); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, messageID, pid); err != nil {
			s.logger.ErrorContext(ctx, "Error inserting mention",
				"message_id", messageID, "participant_id", pid, "error", err)
			return fmt.Errorf("failed to insert mention (%s, %s): %w", messageID, pid, err)
		}
	}

	s.logger.DebugContext(ctx, "Mentions inserted", "message_id", messageID, "count", len(participantIDs))
	return nil
}

func (s *sqlxStore) PatchMessageAnalysis(ctx context.Context, messageID string, sentiment float64, intentType, language string) error {
	return s.patchMessageAnalysis(ctx, s.db, messageID, sentiment, intentType, language)
}

func (s *sqlxStore) patchMessageAnalysis(ctx context.Context, ext sqlx.ExtContext, messageID string, sentiment float64, intentType, language string) error {
	query := `
        UPDATE messages
        SET sentiment = ?, intent_type = ?, language = ?
        WHERE id = ?;
    `

	if _, err := ext.ExecContext(ctx, query, sentiment, intentType, language, messageID); err != nil {
		s.logger.ErrorContext(ctx, "Error patching message analysis", "message_id", messageID, "error", err)
		return fmt.Errorf("failed to patch analysis for message %s: %w", messageID, err)
	}
	return nil
}

func (s *sqlxStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	query := `
        SELECT id, group_id, sender_id, content, message_type, timestamp,
               quoted_message_id, sentiment, intent_type, language, aggregated_at
        FROM messages WHERE id = ?;
    `

	err := s.db.GetContext(ctx, &msg, query, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting message", "message_id", id, "error", err)
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &msg, nil
}

func (s *sqlxStore) GetMessages(ctx context.Context, groupID string, from, to *time.Time) ([]Message, error) {
	if groupID == "" {
		return nil, fmt.Errorf("group_id cannot be empty")
	}

	query := `
        SELECT id, group_id, sender_id, content, message_type, timestamp,
               quoted_message_id, sentiment, intent_type, language, aggregated_at
        FROM messages WHERE group_id = ?
    `
	args := []any{groupID}

	if from != nil {
		query += " AND timestamp >= ?"
		args = append(args, from.UTC())
	}
	if to != nil {
		query += " AND timestamp <= ?"
		args = append(args, to.UTC())
	}
	query += " ORDER BY timestamp ASC, id ASC;"

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		s.logger.ErrorContext(ctx, "Error getting messages", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("failed to get messages for group %s: %w", groupID, err)
	}

	s.logger.DebugContext(ctx, "Fetched messages", "group_id", groupID, "count", len(messages))
	return messages, nil
}

func (s *sqlxStore) GetLastScrapedTimestamp(ctx context.Context, groupID string) (*time.Time, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts, `SELECT last_scraped_at FROM groups WHERE id = ?;`, groupID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting last scraped timestamp", "group_id", groupID, "error", err)
		return nil, fmt.Errorf("failed to get last scraped timestamp for group %s: %w", groupID, err)
	}
	return &ts, nil
}

func (s *sqlxStore) GetUnaggregatedMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	query := `
        SELECT id, group_id, sender_id, content, message_type, timestamp,
               quoted_message_id, sentiment, intent_type, language, aggregated_at
        FROM messages WHERE aggregated_at IS NULL
        ORDER BY timestamp ASC, id ASC
        LIMIT ?;
    `

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, limit); err != nil {
		s.logger.ErrorContext(ctx, "Error getting unaggregated messages", "error", err)
		return nil, fmt.Errorf("failed to get unaggregated messages: %w", err)
	}
	return messages, nil
}

func (s *sqlxStore) GetInterest(ctx context.Context, participantID, interestID string) (*Interest, error) {
	var in Interest
	query := `
        SELECT participant_id, interest_id, confidence, first_mentioned, last_mentioned, mention_count
        FROM interests WHERE participant_id = ? AND interest_id = ?;
    `

	err := s.db.GetContext(ctx, &in, query, participantID, interestID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get interest (%s, %s): %w", participantID, interestID, err)
	}
	return &in, nil
}

func (s *sqlxStore) GetInteraction(ctx context.Context, participant1ID, participant2ID string) (*Interaction, error) {
	p1, p2 := canonicalPair(participant1ID, participant2ID)

	var ia Interaction
	query := `
        SELECT participant1_id, participant2_id, interaction_count, last_interaction, relationship_strength
        FROM interactions WHERE participant1_id = ? AND participant2_id = ?;
    `

	err := s.db.GetContext(ctx, &ia, query, p1, p2)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get interaction (%s, %s): %w", p1, p2, err)
	}
	return &ia, nil
}

func (s *sqlxStore) GetParticipantLanguage(ctx context.Context, participantID, languageCode string) (*ParticipantLanguage, error) {
	var pl ParticipantLanguage
	query := `
        SELECT participant_id, language_code, proficiency, usage_frequency
        FROM participant_languages WHERE participant_id = ? AND language_code = ?;
    `

	err := s.db.GetContext(ctx, &pl, query, participantID, languageCode)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get participant language (%s, %s): %w", participantID, languageCode, err)
	}
	return &pl, nil
}
