package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// EntityDetection is one named entity detected in a message.
type EntityDetection struct {
	Name       string
	Type       string
	Confidence float64
}

// AggregateUpdate carries everything the aggregation fold for one message
// needs: the analysis output plus the interaction strength delta derived
// from the message sentiment.
type AggregateUpdate struct {
	Sentiment        float64
	IntentType       string
	Language         string
	Topics           []string
	TopicConfidence  float64
	Entities         []EntityDetection
	InteractionDelta float64
}

// canonicalPair returns the two participant ids in sorted order so that
// (A, B) and (B, A) address the same interaction row.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// The upsert statements below bake the max/min/increment arithmetic into the
// SQL itself. Concurrent pipeline invocations touching the same key are
// resolved by the database, never by read-then-write in application memory.

func (s *sqlxStore) UpsertInterests(ctx context.Context, participantID string, topics []string, confidence float64) error {
	now := time.Now().UTC()
	for _, topic := range topics {
		if err := s.upsertInterest(ctx, s.db, participantID, topic, confidence, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlxStore) upsertInterest(ctx context.Context, ext sqlx.ExtContext, participantID, topic string, confidence float64, now time.Time) error {
	query := `
        INSERT INTO interests (participant_id, interest_id, confidence, first_mentioned, last_mentioned, mention_count)
        VALUES (?, ?, ?, ?, ?, 1)
        ON CONFLICT(participant_id, interest_id) DO UPDATE SET
            confidence = MAX(confidence, excluded.confidence),
            last_mentioned = excluded.last_mentioned,
            mention_count = mention_count + 1;
    `

	if _, err := ext.ExecContext(ctx, query, participantID, topic, confidence, now, now); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting interest",
			"participant_id", participantID, "topic", topic, "error", err)
		return fmt.Errorf("failed to upsert interest (%s, %s): %w", participantID, topic, err)
	}
	return nil
}

func (s *sqlxStore) UpsertLanguage(ctx context.Context, participantID, languageCode string, confidence float64) error {
	return s.upsertLanguage(ctx, s.db, participantID, languageCode, confidence)
}

func (s *sqlxStore) upsertLanguage(ctx context.Context, ext sqlx.ExtContext, participantID, languageCode string, confidence float64) error {
	ensure := `
        INSERT INTO languages (code, name)
        VALUES (?, ?)
        ON CONFLICT(code) DO NOTHING;
    `
	if _, err := ext.ExecContext(ctx, ensure, languageCode, strings.ToUpper(languageCode)); err != nil {
		s.logger.ErrorContext(ctx, "Error ensuring language", "language_code", languageCode, "error", err)
		return fmt.Errorf("failed to ensure language %s: %w", languageCode, err)
	}

	query := `
        INSERT INTO participant_languages (participant_id, language_code, proficiency, usage_frequency)
        VALUES (?, ?, ?, 0.1)
        ON CONFLICT(participant_id, language_code) DO UPDATE SET
            proficiency = MAX(proficiency, excluded.proficiency),
            usage_frequency = usage_frequency + 0.1;
    `

	if _, err := ext.ExecContext(ctx, query, participantID, languageCode, confidence); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting participant language",
			"participant_id", participantID, "language_code", languageCode, "error", err)
		return fmt.Errorf("failed to upsert language (%s, %s): %w", participantID, languageCode, err)
	}
	return nil
}

func (s *sqlxStore) UpsertInteraction(ctx context.Context, participant1ID, participant2ID string, delta float64) error {
	return s.upsertInteraction(ctx, s.db, participant1ID, participant2ID, delta, time.Now().UTC())
}

func (s *sqlxStore) upsertInteraction(ctx context.Context, ext sqlx.ExtContext, participant1ID, participant2ID string, delta float64, now time.Time) error {
	p1, p2 := canonicalPair(participant1ID, participant2ID)

	query := `
        INSERT INTO interactions (participant1_id, participant2_id, interaction_count, last_interaction, relationship_strength)
        VALUES (?, ?, 1, ?, ?)
        ON CONFLICT(participant1_id, participant2_id) DO UPDATE SET
            interaction_count = interaction_count + 1,
            last_interaction = excluded.last_interaction,
            relationship_strength = MIN(1.0, relationship_strength + ?);
    `

	if _, err := ext.ExecContext(ctx, query, p1, p2, now, delta, delta); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting interaction",
			"participant1_id", p1, "participant2_id", p2, "error", err)
		return fmt.Errorf("failed to upsert interaction (%s, %s): %w", p1, p2, err)
	}
	return nil
}

func (s *sqlxStore) InsertMessageTopics(ctx context.Context, messageID string, topics []string, confidence float64) error {
	return s.insertMessageTopics(ctx, s.db, messageID, topics, confidence)
}

func (s *sqlxStore) insertMessageTopics(ctx context.Context, ext sqlx.ExtContext, messageID string, topics []string, confidence float64) error {
	query := `
        INSERT INTO message_topics (message_id, topic, confidence)
        VALUES (?, ?, ?);
    `

	for _, topic := range topics {
		if _, err := ext.ExecContext(ctx, query, messageID, topic, confidence); err != nil {
			s.logger.ErrorContext(ctx, "Error inserting message topic",
				"message_id", messageID, "topic", topic, "error", err)
			return fmt.Errorf("failed to insert topic %q for message %s: %w", topic, messageID, err)
		}
	}
	return nil
}

func (s *sqlxStore) LinkMessageEntity(ctx context.Context, messageID, name, entityType string, confidence float64) error {
	return s.linkMessageEntity(ctx, s.db, messageID, name, entityType, confidence)
}

func (s *sqlxStore) linkMessageEntity(ctx context.Context, ext sqlx.ExtContext, messageID, name, entityType string, confidence float64) error {
	// The no-op DO UPDATE makes RETURNING yield the id on conflict as well.
	upsert := `
        INSERT INTO entities (name, type, verified)
        VALUES (?, ?, 0)
        ON CONFLICT(name, type) DO UPDATE SET name = excluded.name
        RETURNING id;
    `

	var entityID int64
	if err := sqlx.GetContext(ctx, ext, &entityID, upsert, name, entityType); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting entity", "name", name, "type", entityType, "error", err)
		return fmt.Errorf("failed to upsert entity (%s, %s): %w", name, entityType, err)
	}

	link := `
        INSERT INTO message_entities (message_id, entity_id, confidence)
        VALUES (?, ?, ?);
    `
	if _, err := ext.ExecContext(ctx, link, messageID, entityID, confidence); err != nil {
		s.logger.ErrorContext(ctx, "Error linking entity to message",
			"message_id", messageID, "entity_id", entityID, "error", err)
		return fmt.Errorf("failed to link entity %d to message %s: %w", entityID, messageID, err)
	}
	return nil
}

// ApplyAnalysis runs the whole aggregation fold for one message in a single
// transaction, guarded by aggregated_at IS NULL. A crash partway through
// rolls everything back, and a redelivered message is a no-op, so the
// additive counters (mention_count, usage_frequency, interaction_count) are
// applied exactly once per message.
func (s *sqlxStore) ApplyAnalysis(ctx context.Context, messageID string, upd AggregateUpdate) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for aggregation", "message_id", messageID, "error", err)
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back aggregation transaction", "error", rollbackErr)
			}
		}
	}()

	var row struct {
		SenderID        string         `db:"sender_id"`
		QuotedMessageID sql.NullString `db:"quoted_message_id"`
		AggregatedAt    sql.NullTime   `db:"aggregated_at"`
	}
	err = tx.GetContext(ctx, &row,
		`SELECT sender_id, quoted_message_id, aggregated_at FROM messages WHERE id = ?;`, messageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("cannot aggregate unknown message %s", messageID)
	case err != nil:
		return false, fmt.Errorf("failed to load message %s for aggregation: %w", messageID, err)
	}

	if row.AggregatedAt.Valid {
		s.logger.DebugContext(ctx, "Message already aggregated, skipping", "message_id", messageID)
		return false, nil
	}

	now := time.Now().UTC()

	if err := s.patchMessageAnalysis(ctx, tx, messageID, upd.Sentiment, upd.IntentType, upd.Language); err != nil {
		return false, err
	}

	for _, topic := range upd.Topics {
		if err := s.upsertInterest(ctx, tx, row.SenderID, topic, upd.TopicConfidence, now); err != nil {
			return false, err
		}
	}

	if upd.Language != "" {
		if err := s.upsertLanguage(ctx, tx, row.SenderID, upd.Language, upd.TopicConfidence); err != nil {
			return false, err
		}
	}

	if err := s.insertMessageTopics(ctx, tx, messageID, upd.Topics, upd.TopicConfidence); err != nil {
		return false, err
	}

	for _, ent := range upd.Entities {
		if err := s.linkMessageEntity(ctx, tx, messageID, ent.Name, ent.Type, ent.Confidence); err != nil {
			return false, err
		}
	}

	// Reciprocity: only replies touch the interaction table, pairing the
	// replier with the quoted message's sender.
	if row.QuotedMessageID.Valid {
		var quotedSender string
		err = tx.GetContext(ctx, &quotedSender,
			`SELECT sender_id FROM messages WHERE id = ?;`, row.QuotedMessageID.String)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			s.logger.DebugContext(ctx, "Quoted message not stored, skipping interaction update",
				"message_id", messageID, "quoted_message_id", row.QuotedMessageID.String)
		case err != nil:
			return false, fmt.Errorf("failed to resolve quoted message %s: %w", row.QuotedMessageID.String, err)
		default:
			if err := s.upsertInteraction(ctx, tx, row.SenderID, quotedSender, upd.InteractionDelta, now); err != nil {
				return false, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET aggregated_at = ? WHERE id = ?;`, now, messageID); err != nil {
		return false, fmt.Errorf("failed to mark message %s as aggregated: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit aggregation transaction", "message_id", messageID, "error", err)
		return false, fmt.Errorf("failed to commit aggregation for message %s: %w", messageID, err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message aggregates applied",
		"message_id", messageID, "topics", len(upd.Topics), "entities", len(upd.Entities))
	return true, nil
}
