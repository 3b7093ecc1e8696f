// Package storage persists the subscription topology and the per-feed
// delivery histories.
package storage

import "context"

// Setting is the snapshot of every feed and its subscribed channels.
type Setting struct {
	Feeds []FeedSetting `json:"feeds" firestore:"feeds"`
}

type FeedSetting struct {
	Name     string   `json:"name" firestore:"name"`
	URL      string   `json:"url" firestore:"url"`
	Channels []string `json:"channels" firestore:"channels"`
	IsCustom bool     `json:"isCustom" firestore:"isCustom"`
	Color    [3]int   `json:"color" firestore:"color"`
}

// Store is implemented by File and Firestore. Loading something that was
// never saved returns nil without error.
type Store interface {
	LoadSetting(ctx context.Context) (*Setting, error)
	SaveSetting(ctx context.Context, setting Setting) error

	LoadHistory(ctx context.Context, name string) ([]byte, error)
	SaveHistory(ctx context.Context, name string, data []byte) error
	DeleteHistory(ctx context.Context, name string) error

	Close() error
}
