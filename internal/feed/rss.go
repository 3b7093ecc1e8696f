package feed

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mmcdole/gofeed"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_4) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/83.0.4103.97 Safari/537.36"

// RSSSource fetches a syndication document (RSS, Atom or JSON Feed) over HTTP.
type RSSSource struct {
	url    string
	client *http.Client
	parser *gofeed.Parser
}

func NewRSSSource(url string) *RSSSource {
	return &RSSSource{
		url:    url,
		client: http.DefaultClient,
		parser: gofeed.NewParser(),
	}
}

func (source *RSSSource) Fetch(ctx context.Context, seen Seen) ([]Post, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := source.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}

	parsed, err := source.parser.Parse(resp.Body)
	if err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		posts = append(posts, Post{
			Title: item.Title,
			URL:   item.Link,
		})
	}
	return filterNew(posts, seen), nil
}
