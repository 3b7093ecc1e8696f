// Package bot owns the feed registry: which feeds exist, which channels are
// subscribed to them, and when they are fetched, pruned and persisted.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"feedbot/internal/feed"
	"feedbot/internal/storage"
)

// Resolver turns a persisted channel ID back into a channel. It fails when
// the channel does not exist or cannot receive messages.
type Resolver interface {
	Resolve(ctx context.Context, id string) (feed.Channel, error)
}

// Store is the persistence the registry needs.
type Store interface {
	LoadSetting(ctx context.Context) (*storage.Setting, error)
	SaveSetting(ctx context.Context, setting storage.Setting) error
	LoadHistory(ctx context.Context, name string) ([]byte, error)
	SaveHistory(ctx context.Context, name string, data []byte) error
	DeleteHistory(ctx context.Context, name string) error
}

type Options struct {
	FetchInterval  time.Duration
	SaveInterval   time.Duration
	PruneThreshold time.Duration
}

// FeedInfo describes a registered feed for listings.
type FeedInfo struct {
	Name     string
	URL      string
	IsCustom bool
}

// pendingFeed is a persisted custom feed whose implementation has not been
// registered yet.
type pendingFeed struct {
	url      string
	color    feed.Color
	channels []feed.Channel
}

type Bot struct {
	opts     Options
	store    Store
	sender   feed.Sender
	resolver Resolver
	logger   *zap.Logger

	mu          sync.RWMutex
	feeds       map[string]*feed.Feed
	customFeeds map[string]*feed.Feed
	pending     map[string]pendingFeed
	ctx         context.Context
	started     bool

	// saveMu keeps setting snapshots ordered with their writes.
	saveMu sync.Mutex
	// historyMu orders history writes with history deletes. Acquired before mu.
	historyMu sync.Mutex

	startOnce sync.Once
	startErr  error
	wg        sync.WaitGroup
}

func New(store Store, sender feed.Sender, resolver Resolver, opts Options, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		opts:        opts,
		store:       store,
		sender:      sender,
		resolver:    resolver,
		logger:      logger,
		feeds:       make(map[string]*feed.Feed),
		customFeeds: make(map[string]*feed.Feed),
		pending:     make(map[string]pendingFeed),
		ctx:         context.Background(),
	}
}

func (bot *Bot) context() context.Context {
	bot.mu.RLock()
	defer bot.mu.RUnlock()
	return bot.ctx
}

// goBackground runs fn detached from the caller, bound to the scheduler
// context.
func (bot *Bot) goBackground(fn func(ctx context.Context)) {
	ctx := bot.context()
	bot.wg.Add(1)
	go func() {
		defer bot.wg.Done()
		fn(ctx)
	}()
}

// wait blocks until every background task, and the scheduler once its
// context is done, has finished.
func (bot *Bot) wait() {
	bot.wg.Wait()
}

// CreateFeed registers a syndication feed. Creating a feed that already
// exists with the same URL is a no-op.
func (bot *Bot) CreateFeed(name, rawURL string) error {
	url, err := normalizeURL(rawURL)
	if err != nil {
		return err
	}

	bot.mu.Lock()
	defer bot.mu.Unlock()

	if _, ok := bot.customFeeds[name]; ok {
		return ErrNameInUse
	}
	if _, ok := bot.pending[name]; ok {
		return ErrNameInUse
	}
	if existing, ok := bot.feeds[name]; ok {
		if existing.URL() != url {
			return ErrFeedNameTaken
		}
		return nil
	}

	bot.feeds[name] = feed.NewRSS(name, url, feed.WithLogger(bot.logger))
	bot.logger.Info("created feed", zap.String("feed", name), zap.String("url", url))
	return nil
}

// AddFeedToChannel subscribes channel to the syndication feed name, creating
// the feed first when rawURL is given.
func (bot *Bot) AddFeedToChannel(name string, channel feed.Channel, rawURL string) error {
	if rawURL != "" {
		if err := bot.CreateFeed(name, rawURL); err != nil {
			return err
		}
	}

	bot.mu.RLock()
	target, ok := bot.feeds[name]
	_, custom := bot.customFeeds[name]
	_, pending := bot.pending[name]
	bot.mu.RUnlock()

	if !ok {
		if custom || pending {
			return ErrNameInUse
		}
		return ErrFeedNotFound
	}
	if !target.AddChannel(channel) {
		return ErrAlreadyInChannel
	}
	return nil
}

func (bot *Bot) RemoveFeedFromChannel(name string, channel feed.Channel) error {
	bot.mu.RLock()
	target, ok := bot.feeds[name]
	bot.mu.RUnlock()

	if !ok {
		return ErrFeedNotFound
	}
	if !target.RemoveChannel(channel) {
		return ErrNotInChannel
	}
	return nil
}

// DeleteFeed removes an unsubscribed feed of either kind together with its
// history. Custom feeds restored from the setting but never registered again
// can be deleted too.
func (bot *Bot) DeleteFeed(ctx context.Context, name string) error {
	bot.historyMu.Lock()
	defer bot.historyMu.Unlock()

	if err := bot.unregister(name); err != nil {
		return err
	}

	bot.logger.Info("deleted feed", zap.String("feed", name))
	if err := bot.store.DeleteHistory(ctx, name); err != nil {
		bot.logger.Error("failed to delete history", zap.String("feed", name), zap.Error(err))
	}
	return nil
}

func (bot *Bot) unregister(name string) error {
	bot.mu.Lock()
	defer bot.mu.Unlock()

	if pending, ok := bot.pending[name]; ok {
		if len(pending.channels) > 0 {
			return &FeedInUseError{Name: name, Channels: channelNames(pending.channels)}
		}
		delete(bot.pending, name)
		return nil
	}

	registry := bot.feeds
	target, ok := registry[name]
	if !ok {
		registry = bot.customFeeds
		target, ok = registry[name]
	}
	if !ok {
		return ErrFeedNotFound
	}
	if target.NumChannels() > 0 {
		return &FeedInUseError{Name: name, Channels: target.ChannelNames()}
	}
	delete(registry, name)
	return nil
}

func channelNames(channels []feed.Channel) []string {
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

// AddCustomFeed registers a custom feed implementation. Channels persisted
// for the same name before registration are attached to it.
func (bot *Bot) AddCustomFeed(custom *feed.Feed) error {
	if !custom.IsCustom() {
		return ErrNotCustom
	}
	name := custom.Name()

	bot.mu.Lock()
	if _, ok := bot.feeds[name]; ok {
		bot.mu.Unlock()
		return ErrNameInUse
	}
	if existing, ok := bot.customFeeds[name]; ok {
		bot.mu.Unlock()
		if existing.URL() != custom.URL() {
			return ErrFeedNameTaken
		}
		return nil
	}

	if pending, ok := bot.pending[name]; ok {
		if pending.url != custom.URL() {
			bot.logger.Warn("custom feed url changed",
				zap.String("feed", name),
				zap.String("persisted", pending.url),
				zap.String("registered", custom.URL()),
			)
		}
		if pending.color != (feed.Color{}) {
			custom.SetColor(pending.color)
		}
		for _, channel := range pending.channels {
			custom.AddChannel(channel)
		}
		delete(bot.pending, name)
	}
	bot.customFeeds[name] = custom
	started := bot.started
	bot.mu.Unlock()

	bot.logger.Info("registered custom feed", zap.String("feed", name), zap.String("url", custom.URL()))
	if started {
		bot.goBackground(func(ctx context.Context) {
			bot.refreshHistory(ctx, custom)
		})
	}
	return nil
}

func (bot *Bot) AddCustomFeedToChannel(name string, channel feed.Channel) error {
	bot.mu.RLock()
	target, ok := bot.customFeeds[name]
	_, syndication := bot.feeds[name]
	bot.mu.RUnlock()

	if !ok {
		if syndication {
			return ErrNameInUse
		}
		return ErrFeedNotFound
	}
	if !target.AddChannel(channel) {
		return ErrAlreadyInChannel
	}
	return nil
}

// RemoveCustomFeedFromChannel also applies to custom feeds restored from the
// setting that were not registered again.
func (bot *Bot) RemoveCustomFeedFromChannel(name string, channel feed.Channel) error {
	bot.mu.Lock()
	target, ok := bot.customFeeds[name]
	if !ok {
		err := bot.removePendingChannel(name, channel)
		bot.mu.Unlock()
		return err
	}
	bot.mu.Unlock()

	if !target.RemoveChannel(channel) {
		return ErrNotInChannel
	}
	return nil
}

func (bot *Bot) removePendingChannel(name string, channel feed.Channel) error {
	pending, ok := bot.pending[name]
	if !ok {
		return ErrFeedNotFound
	}
	for i, subscribed := range pending.channels {
		if subscribed.ID == channel.ID {
			pending.channels = append(pending.channels[:i:i], pending.channels[i+1:]...)
			bot.pending[name] = pending
			return nil
		}
	}
	return ErrNotInChannel
}

func sortedFeeds(registry map[string]*feed.Feed) []*feed.Feed {
	feeds := make([]*feed.Feed, 0, len(registry))
	for _, f := range registry {
		feeds = append(feeds, f)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].Name() < feeds[j].Name()
	})
	return feeds
}

// allFeeds returns syndication feeds then custom feeds, each sorted by name.
func (bot *Bot) allFeeds() []*feed.Feed {
	bot.mu.RLock()
	defer bot.mu.RUnlock()
	return append(sortedFeeds(bot.feeds), sortedFeeds(bot.customFeeds)...)
}

func info(f *feed.Feed) FeedInfo {
	return FeedInfo{Name: f.Name(), URL: f.URL(), IsCustom: f.IsCustom()}
}

// ListFeedsIn returns the feeds channelID is subscribed to, followed by
// unregistered custom feeds still holding it.
func (bot *Bot) ListFeedsIn(channelID string) []FeedInfo {
	var infos []FeedInfo
	for _, f := range bot.allFeeds() {
		if f.HasChannel(channelID) {
			infos = append(infos, info(f))
		}
	}

	bot.mu.RLock()
	defer bot.mu.RUnlock()
	for _, name := range bot.pendingNames() {
		pending := bot.pending[name]
		for _, channel := range pending.channels {
			if channel.ID == channelID {
				infos = append(infos, FeedInfo{Name: name, URL: pending.url, IsCustom: true})
				break
			}
		}
	}
	return infos
}

// pendingNames must be called with mu held.
func (bot *Bot) pendingNames() []string {
	names := make([]string, 0, len(bot.pending))
	for name := range bot.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (bot *Bot) ListCustomFeeds() []FeedInfo {
	bot.mu.RLock()
	feeds := sortedFeeds(bot.customFeeds)
	bot.mu.RUnlock()

	infos := make([]FeedInfo, 0, len(feeds))
	for _, f := range feeds {
		infos = append(infos, info(f))
	}
	return infos
}

func (bot *Bot) fetch(feeds []*feed.Feed) {
	for _, f := range feeds {
		bot.goBackground(func(ctx context.Context) {
			f.Fetch(ctx, bot.sender)
		})
	}
}

// FetchFeedsIn starts a fetch of every feed channelID is subscribed to and
// returns how many were started.
func (bot *Bot) FetchFeedsIn(channelID string) int {
	var feeds []*feed.Feed
	for _, f := range bot.allFeeds() {
		if f.HasChannel(channelID) {
			feeds = append(feeds, f)
		}
	}
	bot.fetch(feeds)
	return len(feeds)
}

func (bot *Bot) FetchAll() int {
	feeds := bot.allFeeds()
	bot.fetch(feeds)
	return len(feeds)
}

// Snapshot returns the topology as persisted, including custom feeds that
// have not been registered yet.
func (bot *Bot) Snapshot() storage.Setting {
	setting := storage.Setting{Feeds: []storage.FeedSetting{}}
	for _, f := range bot.allFeeds() {
		setting.Feeds = append(setting.Feeds, storage.FeedSetting{
			Name:     f.Name(),
			URL:      f.URL(),
			Channels: f.ChannelIDs(),
			IsCustom: f.IsCustom(),
			Color:    f.Color(),
		})
	}

	bot.mu.RLock()
	for _, name := range bot.pendingNames() {
		pending := bot.pending[name]
		ids := make([]string, 0, len(pending.channels))
		for _, channel := range pending.channels {
			ids = append(ids, channel.ID)
		}
		setting.Feeds = append(setting.Feeds, storage.FeedSetting{
			Name:     name,
			URL:      pending.url,
			Channels: ids,
			IsCustom: true,
			Color:    pending.color,
		})
	}
	bot.mu.RUnlock()

	return setting
}

func (bot *Bot) SaveSetting(ctx context.Context) error {
	bot.saveMu.Lock()
	defer bot.saveMu.Unlock()

	if err := bot.store.SaveSetting(ctx, bot.Snapshot()); err != nil {
		return fmt.Errorf("failed to save setting with %w", err)
	}
	return nil
}

// persistSetting saves the setting in the background after a mutation.
func (bot *Bot) persistSetting() {
	bot.goBackground(func(ctx context.Context) {
		if err := bot.SaveSetting(ctx); err != nil {
			bot.logger.Error("failed to persist setting", zap.Error(err))
		}
	})
}

// SaveAll persists the setting, then prunes and persists every history.
func (bot *Bot) SaveAll(ctx context.Context) error {
	errs := []error{bot.SaveSetting(ctx)}
	for _, f := range bot.allFeeds() {
		f.PruneHistory(bot.opts.PruneThreshold)
		if err := bot.saveHistory(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (bot *Bot) registered(f *feed.Feed) bool {
	bot.mu.RLock()
	defer bot.mu.RUnlock()
	return bot.feeds[f.Name()] == f || bot.customFeeds[f.Name()] == f
}

// saveHistory persists the history of f unless f was deleted meanwhile.
func (bot *Bot) saveHistory(ctx context.Context, f *feed.Feed) error {
	bot.historyMu.Lock()
	defer bot.historyMu.Unlock()

	if !bot.registered(f) {
		bot.logger.Debug("skipping history of deleted feed", zap.String("feed", f.Name()))
		return nil
	}
	return f.SaveHistory(ctx, bot.store)
}

func (bot *Bot) PruneAll() {
	for _, f := range bot.allFeeds() {
		f.PruneHistory(bot.opts.PruneThreshold)
	}
}

// refreshHistory loads, prunes and saves the history of one feed.
func (bot *Bot) refreshHistory(ctx context.Context, f *feed.Feed) {
	if err := f.LoadHistory(ctx, bot.store); err != nil {
		bot.logger.Error("failed to load history", zap.String("feed", f.Name()), zap.Error(err))
		return
	}
	f.PruneHistory(bot.opts.PruneThreshold)
	if err := bot.saveHistory(ctx, f); err != nil {
		bot.logger.Error("failed to save history", zap.String("feed", f.Name()), zap.Error(err))
	}
}

type restore struct {
	target   *feed.Feed
	setting  storage.FeedSetting
	channels []feed.Channel
}

// LoadSetting rebuilds the registry from the persisted setting. Any channel
// that cannot be resolved aborts the whole load.
func (bot *Bot) LoadSetting(ctx context.Context) error {
	setting, err := bot.store.LoadSetting(ctx)
	if err != nil {
		return fmt.Errorf("failed to load setting with %w", err)
	}
	if setting == nil {
		bot.logger.Info("no setting found, starting empty")
		return nil
	}

	group, gctx := errgroup.WithContext(ctx)
	restores := make([]*restore, 0, len(setting.Feeds))
	for _, entry := range setting.Feeds {
		r := &restore{setting: entry, channels: make([]feed.Channel, len(entry.Channels))}
		if !entry.IsCustom {
			if err := bot.CreateFeed(entry.Name, entry.URL); err != nil {
				return fmt.Errorf("failed to restore feed '%s' with %w", entry.Name, err)
			}
			bot.mu.RLock()
			r.target = bot.feeds[entry.Name]
			bot.mu.RUnlock()
		} else {
			bot.mu.RLock()
			r.target = bot.customFeeds[entry.Name]
			bot.mu.RUnlock()
		}
		restores = append(restores, r)

		for i, id := range entry.Channels {
			group.Go(func() error {
				channel, err := bot.resolver.Resolve(gctx, id)
				if err != nil {
					return fmt.Errorf("failed to resolve channel %s of feed '%s' with %w", id, entry.Name, err)
				}
				r.channels[i] = channel
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for _, r := range restores {
		color := feed.Color(r.setting.Color)
		if r.target == nil {
			bot.mu.Lock()
			bot.pending[r.setting.Name] = pendingFeed{url: r.setting.URL, color: color, channels: r.channels}
			bot.mu.Unlock()
			bot.logger.Info("custom feed not registered yet", zap.String("feed", r.setting.Name))
			continue
		}
		if color != (feed.Color{}) {
			r.target.SetColor(color)
		}
		for _, channel := range r.channels {
			r.target.AddChannel(channel)
		}
	}

	bot.logger.Info("loaded setting", zap.Int("feeds", len(setting.Feeds)))
	return nil
}

// Start loads the setting, refreshes every history and starts the fetch and
// save timers. Only the first call does anything; later calls return the
// first result.
func (bot *Bot) Start(ctx context.Context) error {
	bot.startOnce.Do(func() {
		bot.mu.Lock()
		bot.ctx = ctx
		bot.mu.Unlock()

		if err := bot.LoadSetting(ctx); err != nil {
			bot.startErr = err
			return
		}

		for _, f := range bot.allFeeds() {
			bot.refreshHistory(ctx, f)
		}

		bot.mu.Lock()
		bot.started = true
		bot.mu.Unlock()

		bot.wg.Add(1)
		go func() {
			defer bot.wg.Done()
			bot.runLoop(ctx)
		}()
		bot.logger.Info("bot started",
			zap.Duration("fetch_interval", bot.opts.FetchInterval),
			zap.Duration("save_interval", bot.opts.SaveInterval),
		)
	})
	return bot.startErr
}
