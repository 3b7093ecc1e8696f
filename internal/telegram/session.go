// Package telegram connects the feed bot to the Telegram Bot API: it delivers
// texts and notifications to chats, resolves chat IDs and turns incoming
// commands into dispatcher calls.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"feedbot/internal/bot"
	"feedbot/internal/feed"
)

const (
	errChatNotFound = "Bad Request: chat not found"
	errNotMember    = "Forbidden: bot is not a member of the channel chat"
	errBlocked      = "Forbidden: bot was blocked by the user"
)

var ErrNotMessageable = errors.New("chat cannot receive messages")

// botAPI is the part of *tgbotapi.BotAPI used for sending and lookups.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChat(config tgbotapi.ChatConfig) (tgbotapi.Chat, error)
}

// updateSource is the long polling part of *tgbotapi.BotAPI.
type updateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) (tgbotapi.UpdatesChannel, error)
	StopReceivingUpdates()
}

// Dispatcher handles parsed commands.
type Dispatcher interface {
	Dispatch(cmd bot.Command) (string, bool)
}

type Options struct {
	SendRate  float64
	SendBurst int
	Debug     bool
}

type Session struct {
	updates updateSource
	api     botAPI
	limiter *rate.Limiter
	logger  *zap.Logger

	// backlogDelay is how long updates queued while offline are collected
	// before being dropped.
	backlogDelay time.Duration
}

// NewSession authenticates with token. It returns once the bot identity is
// known, which is the ready signal for the scheduler.
func NewSession(token string, opts Options, logger *zap.Logger) (*Session, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram with %w", err)
	}
	api.Debug = opts.Debug

	session := newSession(api, opts, logger)
	session.updates = api
	session.logger.Info("authorized", zap.String("account", api.Self.UserName))
	return session, nil
}

func newSession(api botAPI, opts Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	burst := opts.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Session{
		api:          api,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
		backlogDelay: 500 * time.Millisecond,
	}
}

// Run receives updates until ctx is done and hands commands to dispatcher.
// Long polling is stopped on return.
func (session *Session) Run(ctx context.Context, dispatcher Dispatcher) error {
	if session.updates == nil {
		return errors.New("session is not connected")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates, err := session.updates.GetUpdatesChan(u)
	if err != nil {
		return fmt.Errorf("failed to get updates with %w", err)
	}
	defer session.updates.StopReceivingUpdates()

	// drop the backlog received while offline
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(session.backlogDelay):
	}
	updates.Clear()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			session.handleUpdate(ctx, dispatcher, update)
		}
	}
}

func (session *Session) handleUpdate(ctx context.Context, dispatcher Dispatcher, update tgbotapi.Update) {
	var message *tgbotapi.Message
	if update.Message != nil {
		message = update.Message
	} else if update.ChannelPost != nil {
		message = update.ChannelPost
	}
	if message == nil {
		session.logger.Debug("ignoring update", zap.Int("update", update.UpdateID))
		return
	}

	cmd, ok := parseCommand(message)
	if !ok {
		return
	}
	reply, ok := dispatcher.Dispatch(cmd)
	if !ok || reply == "" {
		return
	}

	if err := session.send(ctx, message.Chat.ID, reply, false, message.MessageID); err != nil {
		session.logger.Warn("failed to reply", zap.Int64("chat", message.Chat.ID), zap.Error(err))
	}
}

func parseChatID(id string) (int64, error) {
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", id, err)
	}
	return chatID, nil
}

func (session *Session) send(ctx context.Context, chatID int64, text string, html bool, replyTo int) error {
	if err := session.limiter.Wait(ctx); err != nil {
		return err
	}

	message := tgbotapi.NewMessage(chatID, text)
	message.ReplyToMessageID = replyTo
	message.DisableWebPagePreview = true
	if html {
		message.ParseMode = tgbotapi.ModeHTML
	}

	if _, err := session.api.Send(message); err != nil {
		session.handleError(chatID, err)
		return fmt.Errorf("failed to send to chat %d with %w", chatID, err)
	}
	return nil
}

func (session *Session) handleError(chatID int64, err error) {
	switch err.Error() {
	case errChatNotFound, errNotMember, errBlocked:
		session.logger.Warn("chat unreachable", zap.Int64("chat", chatID), zap.String("reason", err.Error()))
	}
}

func (session *Session) SendText(ctx context.Context, channel feed.Channel, text string) error {
	chatID, err := parseChatID(channel.ID)
	if err != nil {
		return err
	}
	return session.send(ctx, chatID, text, false, 0)
}

func (session *Session) SendNotification(ctx context.Context, channel feed.Channel, notification feed.Notification) error {
	chatID, err := parseChatID(channel.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, text := range renderNotification(notification) {
		if err := session.send(ctx, chatID, text, true, 0); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve looks up a chat by ID and fails for chats that cannot receive
// messages.
func (session *Session) Resolve(ctx context.Context, id string) (feed.Channel, error) {
	chatID, err := parseChatID(id)
	if err != nil {
		return feed.Channel{}, err
	}
	if err := session.limiter.Wait(ctx); err != nil {
		return feed.Channel{}, err
	}

	chat, err := session.api.GetChat(tgbotapi.ChatConfig{ChatID: chatID})
	if err != nil {
		return feed.Channel{}, fmt.Errorf("failed to get chat %d with %w", chatID, err)
	}
	if !isMessageable(&chat) {
		return feed.Channel{}, fmt.Errorf("chat %d of type %q: %w", chatID, chat.Type, ErrNotMessageable)
	}
	return channelOf(&chat), nil
}
