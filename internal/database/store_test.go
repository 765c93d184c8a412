package database_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ricardoakrug/groupgraph/internal/database"
)

func openTestDB(t *testing.T) (*sqlx.DB, database.Store) {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return db, database.NewStore(db, log)
}

func storeMessage(t *testing.T, store database.Store, id, groupID, senderID, content string, ts time.Time, quotedID string) {
	t.Helper()

	ctx := context.Background()
	if err := store.UpsertGroup(ctx, groupID, "Test Group", "", ts); err != nil {
		t.Fatalf("failed to upsert group: %v", err)
	}
	if err := store.EnsureParticipant(ctx, senderID); err != nil {
		t.Fatalf("failed to ensure participant: %v", err)
	}

	msg := &database.Message{
		ID:          id,
		GroupID:     groupID,
		SenderID:    senderID,
		Content:     content,
		MessageType: "chat",
		Timestamp:   ts,
	}
	if quotedID != "" {
		msg.QuotedMessageID = sql.NullString{String: quotedID, Valid: true}
	}
	if err := store.InsertMessageIfAbsent(ctx, msg); err != nil {
		t.Fatalf("failed to insert message %s: %v", id, err)
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestUpsertGroup_PreservesCreatedAt(t *testing.T) {
	t.Parallel()

	db, store := openTestDB(t)
	ctx := context.Background()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.UpsertGroup(ctx, "g1", "Original", "first", created); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	first, err := store.GetLastScrapedTimestamp(ctx, "g1")
	if err != nil {
		t.Fatalf("failed to get last scraped timestamp: %v", err)
	}
	if first == nil {
		t.Fatal("expected a last scraped timestamp after upsert")
	}

	later := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.UpsertGroup(ctx, "g1", "Renamed", "second", later); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	var g database.Group
	if err := db.Get(&g, `SELECT id, name, description, created_at, last_scraped_at FROM groups WHERE id = 'g1';`); err != nil {
		t.Fatalf("failed to read group row: %v", err)
	}
	if g.Name != "Renamed" || g.Description != "second" {
		t.Errorf("metadata not updated: got name=%q description=%q", g.Name, g.Description)
	}
	if !g.CreatedAt.Equal(created) {
		t.Errorf("created_at changed on conflict: got %v, want %v", g.CreatedAt, created)
	}
	if !g.LastScrapedAt.After(*first) && !g.LastScrapedAt.Equal(*first) {
		t.Errorf("last_scraped_at went backwards: %v -> %v", *first, g.LastScrapedAt)
	}
}

func TestGetLastScrapedTimestamp_UnknownGroup(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)

	ts, err := store.GetLastScrapedTimestamp(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts != nil {
		t.Errorf("expected nil timestamp for unknown group, got %v", ts)
	}
}

func TestInsertMessageIfAbsent_DuplicatePreservesAnalysis(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	storeMessage(t, store, "m1", "g1", "alice@host", "original text", ts, "")

	if err := store.PatchMessageAnalysis(ctx, "m1", 0.5, "question", "en"); err != nil {
		t.Fatalf("failed to patch analysis: %v", err)
	}

	// Redelivery with different content must not clobber anything.
	dup := &database.Message{
		ID:          "m1",
		GroupID:     "g1",
		SenderID:    "alice@host",
		Content:     "mutated text",
		MessageType: "chat",
		Timestamp:   ts,
	}
	if err := store.InsertMessageIfAbsent(ctx, dup); err != nil {
		t.Fatalf("duplicate insert returned error: %v", err)
	}

	got, err := store.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if got.Content != "original text" {
		t.Errorf("content overwritten by duplicate: got %q", got.Content)
	}
	if !got.Sentiment.Valid || !almostEqual(got.Sentiment.Float64, 0.5) {
		t.Errorf("analysis sentiment lost: got %+v", got.Sentiment)
	}
	if got.IntentType.String != "question" || got.Language.String != "en" {
		t.Errorf("analysis fields lost: intent=%q language=%q", got.IntentType.String, got.Language.String)
	}
}

func TestInsertMessageIfAbsent_RejectsIncomplete(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  *database.Message
	}{
		{name: "nil message", msg: nil},
		{name: "missing id", msg: &database.Message{GroupID: "g", SenderID: "s", Timestamp: time.Now()}},
		{name: "missing group", msg: &database.Message{ID: "x", SenderID: "s", Timestamp: time.Now()}},
		{name: "missing sender", msg: &database.Message{ID: "x", GroupID: "g", Timestamp: time.Now()}},
		{name: "zero timestamp", msg: &database.Message{ID: "x", GroupID: "g", SenderID: "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.InsertMessageIfAbsent(ctx, tt.msg); err == nil {
				t.Error("expected an error for incomplete message")
			}
		})
	}
}

func TestGetMessages_WindowAndOrder(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	storeMessage(t, store, "m3", "g1", "a@h", "third", base.Add(2*time.Minute), "")
	storeMessage(t, store, "m1", "g1", "a@h", "first", base, "")
	storeMessage(t, store, "m2", "g1", "b@h", "second", base.Add(time.Minute), "")
	storeMessage(t, store, "other", "g2", "a@h", "other group", base, "")

	all, err := store.GetMessages(ctx, "g1", nil, nil)
	if err != nil {
		t.Fatalf("failed to get messages: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if all[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, all[i].ID, want)
		}
	}

	from := base.Add(30 * time.Second)
	to := base.Add(90 * time.Second)
	window, err := store.GetMessages(ctx, "g1", &from, &to)
	if err != nil {
		t.Fatalf("failed to get windowed messages: %v", err)
	}
	if len(window) != 1 || window[0].ID != "m2" {
		t.Errorf("window query: got %d messages, want exactly m2", len(window))
	}
}

func TestUpsertInterests_Accumulates(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)
	ctx := context.Background()

	if err := store.EnsureParticipant(ctx, "alice@host"); err != nil {
		t.Fatalf("failed to ensure participant: %v", err)
	}

	if err := store.UpsertInterests(ctx, "alice@host", []string{"golang"}, 0.6); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := store.UpsertInterests(ctx, "alice@host", []string{"golang"}, 0.4); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	in, err := store.GetInterest(ctx, "alice@host", "golang")
	if err != nil {
		t.Fatalf("failed to get interest: %v", err)
	}
	if in == nil {
		t.Fatal("interest row not found")
	}
	if in.MentionCount != 2 {
		t.Errorf("mention_count: got %d, want 2", in.MentionCount)
	}
	if !almostEqual(in.Confidence, 0.6) {
		t.Errorf("confidence should keep the max: got %v, want 0.6", in.Confidence)
	}
	if in.LastMentioned.Before(in.FirstMentioned) {
		t.Errorf("last_mentioned %v before first_mentioned %v", in.LastMentioned, in.FirstMentioned)
	}
}

func TestUpsertLanguage_Accumulates(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)
	ctx := context.Background()

	if err := store.EnsureParticipant(ctx, "alice@host"); err != nil {
		t.Fatalf("failed to ensure participant: %v", err)
	}

	if err := store.UpsertLanguage(ctx, "alice@host", "pt", 0.8); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := store.UpsertLanguage(ctx, "alice@host", "pt", 0.3); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	pl, err := store.GetParticipantLanguage(ctx, "alice@host", "pt")
	if err != nil {
		t.Fatalf("failed to get participant language: %v", err)
	}
	if pl == nil {
		t.Fatal("participant language row not found")
	}
	if !almostEqual(pl.Proficiency, 0.8) {
		t.Errorf("proficiency should keep the max: got %v, want 0.8", pl.Proficiency)
	}
	if !almostEqual(pl.UsageFrequency, 0.2) {
		t.Errorf("usage_frequency: got %v, want 0.2", pl.UsageFrequency)
	}
}

func TestGetUnaggregatedMessages(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	storeMessage(t, store, "m2", "g1", "a@h", "second", base.Add(time.Minute), "")
	storeMessage(t, store, "m1", "g1", "a@h", "first", base, "")
	storeMessage(t, store, "m3", "g1", "b@h", "third", base.Add(2*time.Minute), "")

	// Aggregating one message removes it from the pending set.
	if _, err := store.ApplyAnalysis(ctx, "m1", database.AggregateUpdate{
		IntentType: "statement",
		Language:   "en",
	}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	pending, err := store.GetUnaggregatedMessages(ctx, 10)
	if err != nil {
		t.Fatalf("failed to get unaggregated messages: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending messages, got %d", len(pending))
	}
	if pending[0].ID != "m2" || pending[1].ID != "m3" {
		t.Errorf("pending order: got %s, %s; want m2, m3", pending[0].ID, pending[1].ID)
	}

	limited, err := store.GetUnaggregatedMessages(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get limited pending messages: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "m2" {
		t.Errorf("limit 1 should return the oldest pending message, got %v", limited)
	}

	if _, err := store.GetUnaggregatedMessages(ctx, 0); err == nil {
		t.Error("expected an error for a non-positive limit")
	}
}

func TestEnsureGroupRoster_Idempotent(t *testing.T) {
	t.Parallel()

	db, store := openTestDB(t)
	ctx := context.Background()

	if err := store.UpsertGroup(ctx, "g1", "Test Group", "", time.Now().UTC()); err != nil {
		t.Fatalf("failed to upsert group: %v", err)
	}

	roster := []string{"a@h", "b@h", "c@h"}
	if err := store.EnsureGroupRoster(ctx, "g1", roster); err != nil {
		t.Fatalf("first roster ensure failed: %v", err)
	}
	if err := store.EnsureGroupRoster(ctx, "g1", roster); err != nil {
		t.Fatalf("second roster ensure failed: %v", err)
	}

	var participants, memberships int
	if err := db.Get(&participants, `SELECT COUNT(*) FROM participants;`); err != nil {
		t.Fatalf("failed to count participants: %v", err)
	}
	if err := db.Get(&memberships, `SELECT COUNT(*) FROM group_memberships WHERE group_id = 'g1';`); err != nil {
		t.Fatalf("failed to count memberships: %v", err)
	}
	if participants != 3 {
		t.Errorf("participants: got %d, want 3", participants)
	}
	if memberships != 3 {
		t.Errorf("memberships: got %d, want 3", memberships)
	}
}

func TestUpsertInteraction_TwoReplies(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"alice@host", "bob@host"} {
		if err := store.EnsureParticipant(ctx, id); err != nil {
			t.Fatalf("failed to ensure participant: %v", err)
		}
	}

	// Reply with sentiment 0.5 then reply with sentiment -1.0.
	if err := store.UpsertInteraction(ctx, "alice@host", "bob@host", 0.175); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := store.UpsertInteraction(ctx, "alice@host", "bob@host", 0.1); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	ia, err := store.GetInteraction(ctx, "alice@host", "bob@host")
	if err != nil || ia == nil {
		t.Fatalf("interaction row missing: %v", err)
	}
	if ia.InteractionCount != 2 {
		t.Errorf("interaction_count: got %d, want 2", ia.InteractionCount)
	}
	if !almostEqual(ia.RelationshipStrength, 0.275) {
		t.Errorf("relationship_strength: got %v, want 0.275", ia.RelationshipStrength)
	}
}

func TestUpsertInteraction_CanonicalPairAndCap(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"alice@host", "bob@host"} {
		if err := store.EnsureParticipant(ctx, id); err != nil {
			t.Fatalf("failed to ensure participant: %v", err)
		}
	}

	// Same pair in both orders lands on one row.
	if err := store.UpsertInteraction(ctx, "bob@host", "alice@host", 0.6); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := store.UpsertInteraction(ctx, "alice@host", "bob@host", 0.6); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	ia, err := store.GetInteraction(ctx, "bob@host", "alice@host")
	if err != nil {
		t.Fatalf("failed to get interaction: %v", err)
	}
	if ia == nil {
		t.Fatal("interaction row not found")
	}
	if ia.Participant1ID != "alice@host" || ia.Participant2ID != "bob@host" {
		t.Errorf("pair not canonical: (%s, %s)", ia.Participant1ID, ia.Participant2ID)
	}
	if ia.InteractionCount != 2 {
		t.Errorf("interaction_count: got %d, want 2", ia.InteractionCount)
	}
	if !almostEqual(ia.RelationshipStrength, 1.0) {
		t.Errorf("relationship_strength should cap at 1.0: got %v", ia.RelationshipStrength)
	}
}

func TestApplyAnalysis_FullFold(t *testing.T) {
	t.Parallel()

	db, store := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	storeMessage(t, store, "m1", "g1", "bob@host", "what do you think?", ts, "")
	storeMessage(t, store, "m2", "g1", "alice@host", "I love Go and Acme", ts.Add(time.Minute), "m1")

	upd := database.AggregateUpdate{
		Sentiment:       0.5,
		IntentType:      "statement",
		Language:        "en",
		Topics:          []string{"golang"},
		TopicConfidence: 0.7,
		Entities: []database.EntityDetection{
			{Name: "Acme", Type: "organization", Confidence: 0.7},
		},
		InteractionDelta: 0.175,
	}

	applied, err := store.ApplyAnalysis(ctx, "m2", upd)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !applied {
		t.Fatal("expected first apply to report applied=true")
	}

	msg, err := store.GetMessage(ctx, "m2")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if !msg.AggregatedAt.Valid {
		t.Error("aggregated_at not set")
	}
	if !msg.Sentiment.Valid || !almostEqual(msg.Sentiment.Float64, 0.5) {
		t.Errorf("sentiment not patched: %+v", msg.Sentiment)
	}

	in, err := store.GetInterest(ctx, "alice@host", "golang")
	if err != nil || in == nil {
		t.Fatalf("interest row missing: %v", err)
	}
	if in.MentionCount != 1 {
		t.Errorf("mention_count: got %d, want 1", in.MentionCount)
	}

	pl, err := store.GetParticipantLanguage(ctx, "alice@host", "en")
	if err != nil || pl == nil {
		t.Fatalf("language row missing: %v", err)
	}
	if !almostEqual(pl.UsageFrequency, 0.1) {
		t.Errorf("usage_frequency: got %v, want 0.1", pl.UsageFrequency)
	}

	ia, err := store.GetInteraction(ctx, "alice@host", "bob@host")
	if err != nil || ia == nil {
		t.Fatalf("interaction row missing: %v", err)
	}
	if ia.InteractionCount != 1 || !almostEqual(ia.RelationshipStrength, 0.175) {
		t.Errorf("interaction: count=%d strength=%v, want 1 and 0.175", ia.InteractionCount, ia.RelationshipStrength)
	}

	var topicCount, entityLinks int
	if err := db.Get(&topicCount, `SELECT COUNT(*) FROM message_topics WHERE message_id = 'm2';`); err != nil {
		t.Fatalf("failed to count topics: %v", err)
	}
	if err := db.Get(&entityLinks, `SELECT COUNT(*) FROM message_entities WHERE message_id = 'm2';`); err != nil {
		t.Fatalf("failed to count entity links: %v", err)
	}
	if topicCount != 1 || entityLinks != 1 {
		t.Errorf("topics=%d entityLinks=%d, want 1 and 1", topicCount, entityLinks)
	}

	// Second apply for the same message is a no-op: no counter moves.
	applied, err = store.ApplyAnalysis(ctx, "m2", upd)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if applied {
		t.Error("expected second apply to report applied=false")
	}

	in, _ = store.GetInterest(ctx, "alice@host", "golang")
	if in.MentionCount != 1 {
		t.Errorf("mention_count moved on reapply: got %d", in.MentionCount)
	}
	ia, _ = store.GetInteraction(ctx, "alice@host", "bob@host")
	if ia.InteractionCount != 1 {
		t.Errorf("interaction_count moved on reapply: got %d", ia.InteractionCount)
	}
}

func TestApplyAnalysis_UnknownMessage(t *testing.T) {
	t.Parallel()

	_, store := openTestDB(t)

	_, err := store.ApplyAnalysis(context.Background(), "ghost", database.AggregateUpdate{})
	if err == nil {
		t.Fatal("expected an error for an unknown message")
	}
}

func TestApplyAnalysis_QuotedMessageNotStored(t *testing.T) {
	t.Parallel()

	db, store := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	storeMessage(t, store, "m1", "g1", "alice@host", "replying to a ghost", ts, "missing")

	applied, err := store.ApplyAnalysis(ctx, "m1", database.AggregateUpdate{
		Sentiment:        0,
		IntentType:       "statement",
		Language:         "en",
		InteractionDelta: 0.15,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !applied {
		t.Fatal("expected applied=true")
	}

	var interactions int
	if err := db.Get(&interactions, `SELECT COUNT(*) FROM interactions;`); err != nil {
		t.Fatalf("failed to count interactions: %v", err)
	}
	if interactions != 0 {
		t.Errorf("unresolvable quote created %d interaction rows, want 0", interactions)
	}
}

func TestLinkMessageEntity_Dedup(t *testing.T) {
	t.Parallel()

	db, store := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	storeMessage(t, store, "m1", "g1", "a@h", "Acme again", ts, "")
	storeMessage(t, store, "m2", "g1", "a@h", "Acme and Acme the city", ts.Add(time.Minute), "")

	if err := store.LinkMessageEntity(ctx, "m1", "Acme", "organization", 0.7); err != nil {
		t.Fatalf("first link failed: %v", err)
	}
	if err := store.LinkMessageEntity(ctx, "m2", "Acme", "organization", 0.7); err != nil {
		t.Fatalf("second link failed: %v", err)
	}
	// Same name, different type is a distinct entity.
	if err := store.LinkMessageEntity(ctx, "m2", "Acme", "location", 0.7); err != nil {
		t.Fatalf("third link failed: %v", err)
	}

	var entities, links int
	if err := db.Get(&entities, `SELECT COUNT(*) FROM entities;`); err != nil {
		t.Fatalf("failed to count entities: %v", err)
	}
	if err := db.Get(&links, `SELECT COUNT(*) FROM message_entities;`); err != nil {
		t.Fatalf("failed to count links: %v", err)
	}
	if entities != 2 {
		t.Errorf("entities: got %d, want 2", entities)
	}
	if links != 3 {
		t.Errorf("message_entities: got %d, want 3", links)
	}
}

func TestInsertMentionsIfAbsent_CreatesParticipants(t *testing.T) {
	t.Parallel()

	db, store := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	storeMessage(t, store, "m1", "g1", "a@h", "hey @b @c", ts, "")

	mentions := []string{"b@h", "c@h"}
	if err := store.InsertMentionsIfAbsent(ctx, "m1", mentions); err != nil {
		t.Fatalf("failed to insert mentions: %v", err)
	}
	// Redelivery.
	if err := store.InsertMentionsIfAbsent(ctx, "m1", mentions); err != nil {
		t.Fatalf("duplicate mentions returned error: %v", err)
	}

	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM mentions WHERE message_id = 'm1';`); err != nil {
		t.Fatalf("failed to count mentions: %v", err)
	}
	if count != 2 {
		t.Errorf("mentions: got %d, want 2", count)
	}

	var phone string
	if err := db.Get(&phone, `SELECT phone_number FROM participants WHERE id = 'b@h';`); err != nil {
		t.Fatalf("mentioned participant not created: %v", err)
	}
	if phone != "b" {
		t.Errorf("phone_number: got %q, want %q", phone, "b")
	}
}
