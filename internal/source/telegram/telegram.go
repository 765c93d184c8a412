// Package telegram adapts a Telegram bot to the source.Source contract so
// group messages can be fed into the ingestion pipeline.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/ricardoakrug/groupgraph/internal/source"
)

const watchBuffer = 64

// Source implements source.Source on top of the Telegram Bot API.
// The Bot API delivers updates as they happen but offers no history access,
// so FetchMessages reports source.ErrUnsupported and catch-up scraping is
// limited to group metadata refreshes.
type Source struct {
	bot *bot.Bot
	log *slog.Logger

	mu      sync.Mutex
	watched map[string]struct{}
	ch      chan source.RawMessage
}

// New creates a Telegram-backed message source.
func New(token string, logger *slog.Logger, opts ...bot.Option) (*Source, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Source{
		log: logger.With("component", "telegram_source"),
	}

	opts = append(opts, bot.WithDefaultHandler(s.handleUpdate))
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	s.bot = b

	s.log.Info("Telegram source created")
	return s, nil
}

// GroupInfo fetches group metadata via GetChat. The Bot API does not expose
// the full member list or the creation date; membership is discovered
// lazily from message senders instead, and CreatedAt defaults to now for
// groups seen for the first time.
func (s *Source) GroupInfo(ctx context.Context, groupID string) (*source.GroupInfo, error) {
	chatID, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram group id %q: %w", groupID, err)
	}

	chat, err := s.bot.GetChat(ctx, &bot.GetChatParams{ChatID: chatID})
	if err != nil {
		return nil, fmt.Errorf("%w: get chat %s failed: %v", source.ErrNotReady, groupID, err)
	}
	if chat.Type != models.ChatTypeGroup && chat.Type != models.ChatTypeSupergroup {
		return nil, fmt.Errorf("chat %s is not a group", groupID)
	}

	return &source.GroupInfo{
		ID:          groupID,
		Name:        chat.Title,
		Description: chat.Description,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// FetchMessages is unsupported: the Telegram Bot API cannot read chat history.
func (s *Source) FetchMessages(_ context.Context, groupID string, _ int) ([]source.RawMessage, error) {
	return nil, fmt.Errorf("%w: telegram bot API cannot fetch history for group %s", source.ErrUnsupported, groupID)
}

// Watch starts the bot's long-polling loop and streams messages from the
// watched groups. The channel is closed when ctx is cancelled.
func (s *Source) Watch(ctx context.Context, groupIDs []string) (<-chan source.RawMessage, error) {
	if len(groupIDs) == 0 {
		return nil, fmt.Errorf("no group ids to watch")
	}

	s.mu.Lock()
	if s.ch != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch already active")
	}
	s.watched = make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		s.watched[id] = struct{}{}
	}
	ch := make(chan source.RawMessage, watchBuffer)
	s.ch = ch
	s.mu.Unlock()

	go func() {
		s.log.Info("Telegram watch started", "groups", len(groupIDs))
		s.bot.Start(ctx)
		s.log.Info("Telegram watch stopped")
		close(ch)
	}()

	return ch, nil
}

func (s *Source) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	if msg.Chat.Type != models.ChatTypeGroup && msg.Chat.Type != models.ChatTypeSupergroup {
		return
	}

	groupID := strconv.FormatInt(msg.Chat.ID, 10)

	s.mu.Lock()
	ch := s.ch
	_, ok := s.watched[groupID]
	s.mu.Unlock()
	if ch == nil || !ok {
		return
	}

	raw := source.RawMessage{
		ID:         messageID(groupID, msg.ID),
		GroupID:    groupID,
		Sender:     strconv.FormatInt(msg.From.ID, 10),
		Timestamp:  int64(msg.Date),
		Body:       msg.Text,
		Type:       "chat",
		MentionIDs: mentionIDs(msg),
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		raw.Quoted = &source.QuotedRef{
			ID:      messageID(groupID, reply.ID),
			Content: reply.Text,
		}
	}

	select {
	case ch <- raw:
	case <-ctx.Done():
	}
}

// messageID builds a globally unique message id: Telegram message ids are
// only unique within a chat.
func messageID(groupID string, id int) string {
	return groupID + ":" + strconv.Itoa(id)
}

// mentionIDs extracts mentioned participant ids. Only text_mention entities
// carry a resolvable user id; plain @username mentions are skipped because
// the Bot API offers no username lookup.
func mentionIDs(msg *models.Message) []string {
	var ids []string
	for _, e := range msg.Entities {
		if e.Type == models.MessageEntityTypeTextMention && e.User != nil {
			ids = append(ids, strconv.FormatInt(e.User.ID, 10))
		}
	}
	return ids
}
