package database

import (
	"database/sql"
	"time"
)

// Group represents a chat group tracked by the scraper. last_scraped_at
// advances monotonically on every successful upsert.
type Group struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	Description   string    `db:"description"`
	CreatedAt     time.Time `db:"created_at"`
	LastScrapedAt time.Time `db:"last_scraped_at"`
}

// Participant represents a chat participant. Rows are created lazily the
// first time an id is referenced by a membership, message, or mention.
type Participant struct {
	ID          string    `db:"id"`
	PhoneNumber string    `db:"phone_number"`
	CreatedAt   time.Time `db:"created_at"`
}

// Message represents a single chat message. The raw columns are written once
// by ingestion; the analysis columns (sentiment, intent_type, language) are
// patched in later, and aggregated_at marks that the derived aggregates for
// this message have been applied.
type Message struct {
	ID              string          `db:"id"`
	GroupID         string          `db:"group_id"`
	SenderID        string          `db:"sender_id"`
	Content         string          `db:"content"`
	MessageType     string          `db:"message_type"`
	Timestamp       time.Time       `db:"timestamp"`
	QuotedMessageID sql.NullString  `db:"quoted_message_id"`
	Sentiment       sql.NullFloat64 `db:"sentiment"`
	IntentType      sql.NullString  `db:"intent_type"`
	Language        sql.NullString  `db:"language"`
	AggregatedAt    sql.NullTime    `db:"aggregated_at"`
}

// Interest is a participant's accumulated interest in a topic.
type Interest struct {
	ParticipantID  string    `db:"participant_id"`
	InterestID     string    `db:"interest_id"`
	Confidence     float64   `db:"confidence"`
	FirstMentioned time.Time `db:"first_mentioned"`
	LastMentioned  time.Time `db:"last_mentioned"`
	MentionCount   int64     `db:"mention_count"`
}

// ParticipantLanguage tracks a participant's proficiency and usage of a language.
type ParticipantLanguage struct {
	ParticipantID  string  `db:"participant_id"`
	LanguageCode   string  `db:"language_code"`
	Proficiency    float64 `db:"proficiency"`
	UsageFrequency float64 `db:"usage_frequency"`
}

// Interaction is the accumulated pairwise interaction between two
// participants. The pair is stored in canonical (sorted) order so (A,B) and
// (B,A) resolve to the same row.
type Interaction struct {
	Participant1ID       string    `db:"participant1_id"`
	Participant2ID       string    `db:"participant2_id"`
	InteractionCount     int64     `db:"interaction_count"`
	LastInteraction      time.Time `db:"last_interaction"`
	RelationshipStrength float64   `db:"relationship_strength"`
}

// Entity is a named entity detected in messages, deduplicated by (name, type).
type Entity struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Type     string `db:"type"`
	Verified bool   `db:"verified"`
}

// MessageTopic is one detected topic on one message, appended per detection.
type MessageTopic struct {
	ID         int64   `db:"id"`
	MessageID  string  `db:"message_id"`
	Topic      string  `db:"topic"`
	Confidence float64 `db:"confidence"`
}

// MessageEntity links a detected entity to the message it was detected in.
type MessageEntity struct {
	ID         int64   `db:"id"`
	MessageID  string  `db:"message_id"`
	EntityID   int64   `db:"entity_id"`
	Confidence float64 `db:"confidence"`
}
