package feed

import (
	"context"
	"errors"
)

// Seen reports whether an item identifier was delivered before.
type Seen interface {
	Has(key string) bool
}

// Source produces the posts of a feed that are not in seen. Posts without a
// URL cannot be checked and are always returned.
type Source interface {
	Fetch(ctx context.Context, seen Seen) ([]Post, error)
}

// FetchFunc is the fetch logic of a custom feed.
type FetchFunc func(ctx context.Context) ([]Post, error)

var errNoFetchFunc = errors.New("custom feed has no fetch function")

type CustomSource struct {
	fetch FetchFunc
}

func (source CustomSource) Fetch(ctx context.Context, seen Seen) ([]Post, error) {
	if source.fetch == nil {
		return nil, errNoFetchFunc
	}
	posts, err := source.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return filterNew(posts, seen), nil
}

func filterNew(posts []Post, seen Seen) []Post {
	fresh := make([]Post, 0, len(posts))
	batch := make(map[string]bool)
	for _, post := range posts {
		if post.URL != "" {
			if seen.Has(post.URL) || batch[post.URL] {
				continue
			}
			batch[post.URL] = true
		}
		fresh = append(fresh, post)
	}
	return fresh
}
