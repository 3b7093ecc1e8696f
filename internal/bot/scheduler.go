package bot

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func tickerInterval(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// runLoop drives the two timers until ctx is done: one fetches every feed,
// the other prunes and persists.
func (bot *Bot) runLoop(ctx context.Context) {
	fetchTicker := time.NewTicker(tickerInterval(bot.opts.FetchInterval, 10*time.Minute))
	defer fetchTicker.Stop()
	saveTicker := time.NewTicker(tickerInterval(bot.opts.SaveInterval, time.Hour))
	defer saveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			bot.logger.Info("scheduler stopped")
			return
		case <-fetchTicker.C:
			n := bot.FetchAll()
			bot.logger.Debug("fetching feeds", zap.Int("feeds", n))
		case <-saveTicker.C:
			bot.goBackground(func(ctx context.Context) {
				if err := bot.SaveAll(ctx); err != nil {
					bot.logger.Error("failed to save", zap.Error(err))
				}
			})
		}
	}
}
