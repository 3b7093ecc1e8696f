// Package feed binds a feed source to the chat channels subscribed to it and
// turns newly fetched posts into notifications for those channels.
package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"feedbot/internal/history"
)

// Channel is a chat destination, identified by ID.
type Channel struct {
	ID   string
	Name string
}

// Post is a normalized feed item. URL is empty when the source has no link
// for the item.
type Post struct {
	Title string
	URL   string
}

type Line struct {
	Title string
	URL   string
}

// Notification aggregates the new posts of one fetch.
type Notification struct {
	Title string
	URL   string
	Lines []Line
	Color Color
}

// Sender delivers messages to a channel.
type Sender interface {
	SendText(ctx context.Context, channel Channel, text string) error
	SendNotification(ctx context.Context, channel Channel, notification Notification) error
}

// HistoryStore persists serialized histories keyed by feed name.
// LoadHistory returns nil data when nothing was saved yet.
type HistoryStore interface {
	LoadHistory(ctx context.Context, name string) ([]byte, error)
	SaveHistory(ctx context.Context, name string, data []byte) error
}

var entityReplacer = strings.NewReplacer("&#039;", "'", "&amp;", "&")

type Feed struct {
	name    string
	url     string
	custom  bool
	source  Source
	history *history.History
	logger  *zap.Logger

	// fetchMu serializes fetches of the same feed.
	fetchMu sync.Mutex

	mu       sync.RWMutex
	color    Color
	channels []Channel
}

type Option func(feed *Feed)

func WithLogger(logger *zap.Logger) Option {
	return func(feed *Feed) {
		feed.logger = logger
	}
}

func WithHistory(h *history.History) Option {
	return func(feed *Feed) {
		feed.history = h
	}
}

func WithColor(color Color) Option {
	return func(feed *Feed) {
		feed.color = color
	}
}

func newFeed(name, url string, custom bool, source Source, opts ...Option) *Feed {
	feed := &Feed{
		name:    name,
		url:     url,
		custom:  custom,
		source:  source,
		history: history.New(),
		logger:  zap.NewNop(),
		color:   RandomColor(),
	}
	for _, opt := range opts {
		opt(feed)
	}
	feed.logger = feed.logger.With(zap.String("feed", name))
	return feed
}

// NewRSS returns a syndication feed polling url.
func NewRSS(name, url string, opts ...Option) *Feed {
	return newFeed(name, url, false, NewRSSSource(url), opts...)
}

// NewCustom returns a feed whose posts come from fetch. url may be any
// identifier for the origin.
func NewCustom(name, url string, fetch FetchFunc, opts ...Option) *Feed {
	return newFeed(name, url, true, CustomSource{fetch: fetch}, opts...)
}

// NewWithSource returns a feed backed by an arbitrary source.
func NewWithSource(name, url string, custom bool, source Source, opts ...Option) *Feed {
	return newFeed(name, url, custom, source, opts...)
}

func (feed *Feed) Name() string {
	return feed.name
}

func (feed *Feed) URL() string {
	return feed.url
}

func (feed *Feed) IsCustom() bool {
	return feed.custom
}

func (feed *Feed) History() *history.History {
	return feed.history
}

func (feed *Feed) Color() Color {
	feed.mu.RLock()
	defer feed.mu.RUnlock()
	return feed.color
}

func (feed *Feed) SetColor(color Color) {
	feed.mu.Lock()
	defer feed.mu.Unlock()
	feed.color = color
}

// Fetch polls the source and notifies every subscribed channel of the posts
// it has not delivered before. Failures are reported to the channels instead
// of being returned.
func (feed *Feed) Fetch(ctx context.Context, sender Sender) {
	feed.fetchMu.Lock()
	defer feed.fetchMu.Unlock()

	channels := feed.Channels()
	if len(channels) == 0 {
		return
	}

	posts, err := feed.source.Fetch(ctx, feed.history)
	if err != nil {
		feed.logger.Warn("fetch failed", zap.Error(err))
		text := fmt.Sprintf("[ERROR:%s]: %s", feed.name, err.Error())
		for _, channel := range channels {
			if err := sender.SendText(ctx, channel, text); err != nil {
				feed.logger.Warn("failed to send error notice", zap.String("channel", channel.ID), zap.Error(err))
			}
		}
		return
	}
	if len(posts) == 0 {
		feed.logger.Debug("no new posts")
		return
	}

	now := time.Now().UnixMilli()
	for _, post := range posts {
		if post.URL != "" {
			feed.history.Record(post.URL, now)
		}
	}
	feed.logger.Info("new posts", zap.Int("count", len(posts)), zap.Int("channels", len(channels)))

	notification := feed.notification(posts)
	for _, channel := range channels {
		if err := sender.SendNotification(ctx, channel, notification); err != nil {
			feed.logger.Warn("failed to send notification", zap.String("channel", channel.ID), zap.Error(err))
		}
	}
}

func (feed *Feed) notification(posts []Post) Notification {
	host := feed.url
	if u, err := url.Parse(feed.url); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	notification := Notification{
		Title: fmt.Sprintf("[%s] %s", strings.ToUpper(feed.name), host),
		URL:   feed.url,
		Lines: make([]Line, 0, len(posts)),
		Color: feed.Color(),
	}
	for _, post := range posts {
		notification.Lines = append(notification.Lines, Line{
			Title: entityReplacer.Replace(post.Title),
			URL:   post.URL,
		})
	}
	return notification
}

func (feed *Feed) HasChannel(id string) bool {
	feed.mu.RLock()
	defer feed.mu.RUnlock()
	return feed.indexOf(id) != -1
}

func (feed *Feed) indexOf(id string) int {
	for i, channel := range feed.channels {
		if channel.ID == id {
			return i
		}
	}
	return -1
}

// AddChannel subscribes channel and reports whether it was not subscribed yet.
func (feed *Feed) AddChannel(channel Channel) bool {
	feed.mu.Lock()
	defer feed.mu.Unlock()

	if feed.indexOf(channel.ID) != -1 {
		return false
	}
	feed.channels = append(feed.channels, channel)
	return true
}

// RemoveChannel unsubscribes channel and reports whether it was subscribed.
func (feed *Feed) RemoveChannel(channel Channel) bool {
	feed.mu.Lock()
	defer feed.mu.Unlock()

	i := feed.indexOf(channel.ID)
	if i == -1 {
		return false
	}
	feed.channels = append(feed.channels[:i], feed.channels[i+1:]...)
	return true
}

func (feed *Feed) Channels() []Channel {
	feed.mu.RLock()
	defer feed.mu.RUnlock()

	channels := make([]Channel, len(feed.channels))
	copy(channels, feed.channels)
	return channels
}

func (feed *Feed) ChannelIDs() []string {
	channels := feed.Channels()
	ids := make([]string, 0, len(channels))
	for _, channel := range channels {
		ids = append(ids, channel.ID)
	}
	return ids
}

func (feed *Feed) ChannelNames() []string {
	channels := feed.Channels()
	names := make([]string, 0, len(channels))
	for _, channel := range channels {
		name := channel.Name
		if name == "" {
			name = channel.ID
		}
		names = append(names, name)
	}
	return names
}

func (feed *Feed) NumChannels() int {
	feed.mu.RLock()
	defer feed.mu.RUnlock()
	return len(feed.channels)
}

func (feed *Feed) PruneHistory(maxAge time.Duration) {
	if feed.history.Prunable() {
		feed.history.Prune(maxAge)
	}
}

func (feed *Feed) SaveHistory(ctx context.Context, store HistoryStore) error {
	data, err := feed.history.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize history of '%s' with %w", feed.name, err)
	}
	if err := store.SaveHistory(ctx, feed.name, data); err != nil {
		return fmt.Errorf("failed to save history of '%s' with %w", feed.name, err)
	}
	return nil
}

// LoadHistory merges the saved history into memory. A feed without saved
// history is left untouched.
func (feed *Feed) LoadHistory(ctx context.Context, store HistoryStore) error {
	data, err := store.LoadHistory(ctx, feed.name)
	if err != nil {
		return fmt.Errorf("failed to load history of '%s' with %w", feed.name, err)
	}
	return feed.history.Load(data)
}
