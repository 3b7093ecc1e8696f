package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"feedbot/internal/history"
)

type sentMessage struct {
	channel      Channel
	text         string
	notification *Notification
}

type recordingSender struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (sender *recordingSender) SendText(ctx context.Context, channel Channel, text string) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.messages = append(sender.messages, sentMessage{channel: channel, text: text})
	return nil
}

func (sender *recordingSender) SendNotification(ctx context.Context, channel Channel, notification Notification) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.messages = append(sender.messages, sentMessage{channel: channel, notification: &notification})
	return nil
}

func (sender *recordingSender) sent() []sentMessage {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return append([]sentMessage(nil), sender.messages...)
}

type stubSource struct {
	posts []Post
	err   error
	calls int
}

func (source *stubSource) Fetch(ctx context.Context, seen Seen) ([]Post, error) {
	source.calls++
	if source.err != nil {
		return nil, source.err
	}
	return filterNew(source.posts, seen), nil
}

type memoryHistoryStore map[string][]byte

func (store memoryHistoryStore) LoadHistory(ctx context.Context, name string) ([]byte, error) {
	return store[name], nil
}

func (store memoryHistoryStore) SaveHistory(ctx context.Context, name string, data []byte) error {
	store[name] = data
	return nil
}

var (
	c1 = Channel{ID: "1", Name: "news"}
	c2 = Channel{ID: "2", Name: "general"}
)

func TestFetchWithoutChannelsSkipsSource(t *testing.T) {
	source := &stubSource{posts: []Post{{Title: "Hello", URL: "https://example.com/1"}}}
	feed := NewWithSource("tech", "https://example.com/rss", false, source)
	sender := &recordingSender{}

	feed.Fetch(context.Background(), sender)

	assert.Equal(t, 0, source.calls)
	assert.Empty(t, sender.sent())
}

func TestFetchDeliversOnce(t *testing.T) {
	source := &stubSource{posts: []Post{{Title: "Hello", URL: "example.com/1"}}}
	feed := NewWithSource("tech", "https://example.com/rss", false, source, WithLogger(zaptest.NewLogger(t)))
	sender := &recordingSender{}
	require.True(t, feed.AddChannel(c1))

	feed.Fetch(context.Background(), sender)

	sent := sender.sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].notification)
	assert.Equal(t, c1, sent[0].channel)
	assert.Equal(t, "[TECH] example.com", sent[0].notification.Title)
	assert.Equal(t, "https://example.com/rss", sent[0].notification.URL)
	assert.Equal(t, []Line{{Title: "Hello", URL: "example.com/1"}}, sent[0].notification.Lines)
	assert.Equal(t, feed.Color(), sent[0].notification.Color)
	assert.True(t, feed.History().Has("example.com/1"))

	feed.Fetch(context.Background(), sender)
	assert.Len(t, sender.sent(), 1, "second fetch of the same item must not notify")
	assert.Equal(t, 2, source.calls)
}

func TestFetchNotifiesEveryChannel(t *testing.T) {
	source := &stubSource{posts: []Post{
		{Title: "Tom&#039;s &amp; Jerry", URL: "https://example.com/a"},
		{Title: "No link"},
	}}
	feed := NewWithSource("tech", "https://example.com/rss", false, source)
	sender := &recordingSender{}
	feed.AddChannel(c1)
	feed.AddChannel(c2)

	feed.Fetch(context.Background(), sender)

	sent := sender.sent()
	require.Len(t, sent, 2)
	for _, message := range sent {
		require.NotNil(t, message.notification)
		assert.Equal(t, []Line{
			{Title: "Tom's & Jerry", URL: "https://example.com/a"},
			{Title: "No link"},
		}, message.notification.Lines)
	}

	// items without a link are never deduplicated
	feed.Fetch(context.Background(), sender)
	sent = sender.sent()
	require.Len(t, sent, 4)
	assert.Equal(t, []Line{{Title: "No link"}}, sent[3].notification.Lines)
}

func TestFetchErrorIsReported(t *testing.T) {
	source := &stubSource{err: errors.New("connection refused")}
	feed := NewWithSource("tech", "https://example.com/rss", false, source)
	sender := &recordingSender{}
	feed.AddChannel(c1)
	feed.AddChannel(c2)

	feed.Fetch(context.Background(), sender)

	sent := sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "[ERROR:tech]: connection refused", sent[0].text)
	assert.Equal(t, "[ERROR:tech]: connection refused", sent[1].text)
}

func TestNotificationHostFallback(t *testing.T) {
	feed := NewCustom("weather", "weather-service", func(ctx context.Context) ([]Post, error) {
		return []Post{{Title: "Sunny"}}, nil
	})
	sender := &recordingSender{}
	feed.AddChannel(c1)

	feed.Fetch(context.Background(), sender)

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "[WEATHER] weather-service", sent[0].notification.Title)
	assert.True(t, feed.IsCustom())
}

func TestCustomFeedDeduplicates(t *testing.T) {
	calls := 0
	feed := NewCustom("custom", "custom://one", func(ctx context.Context) ([]Post, error) {
		calls++
		return []Post{{Title: "A", URL: "a"}, {Title: "A again", URL: "a"}}, nil
	})
	sender := &recordingSender{}
	feed.AddChannel(c1)

	feed.Fetch(context.Background(), sender)
	feed.Fetch(context.Background(), sender)

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []Line{{Title: "A", URL: "a"}}, sent[0].notification.Lines)
	assert.Equal(t, 2, calls)
}

func TestCustomFeedWithoutFetchFunc(t *testing.T) {
	feed := NewCustom("broken", "custom://broken", nil)
	sender := &recordingSender{}
	feed.AddChannel(c1)

	feed.Fetch(context.Background(), sender)

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "[ERROR:broken]: custom feed has no fetch function", sent[0].text)
}

func TestChannelMembership(t *testing.T) {
	feed := NewRSS("tech", "https://example.com/rss")

	assert.True(t, feed.AddChannel(c1))
	assert.False(t, feed.AddChannel(Channel{ID: "1", Name: "renamed"}))
	assert.True(t, feed.AddChannel(c2))
	assert.Equal(t, []string{"1", "2"}, feed.ChannelIDs())
	assert.Equal(t, []string{"news", "general"}, feed.ChannelNames())

	assert.True(t, feed.RemoveChannel(Channel{ID: "1"}))
	assert.False(t, feed.RemoveChannel(c1))
	assert.False(t, feed.HasChannel("1"))
	assert.Equal(t, 1, feed.NumChannels())
}

func TestSaveAndLoadHistory(t *testing.T) {
	store := memoryHistoryStore{}
	feed := NewRSS("tech", "https://example.com/rss")
	feed.History().Record("https://example.com/1", 100)

	require.NoError(t, feed.SaveHistory(context.Background(), store))
	assert.JSONEq(t, `[["https://example.com/1",100]]`, string(store["tech"]))

	restored := NewRSS("tech", "https://example.com/rss")
	require.NoError(t, restored.LoadHistory(context.Background(), store))
	assert.True(t, restored.History().Has("https://example.com/1"))

	fresh := NewRSS("other", "https://example.com/other")
	require.NoError(t, fresh.LoadHistory(context.Background(), store))
	assert.Equal(t, 0, fresh.History().Len())
}

func TestPruneHistoryRespectsCapability(t *testing.T) {
	feed := NewRSS("fixed", "https://example.com/rss", WithHistory(history.NewUnprunable()))
	feed.History().Record("old", 0)

	feed.PruneHistory(0)
	assert.True(t, feed.History().Has("old"))

	prunable := NewRSS("prunable", "https://example.com/rss")
	prunable.History().Record("old", 0)
	prunable.PruneHistory(0)
	assert.False(t, prunable.History().Has("old"))
}

const rssDocument = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>Example</title>
	<link>https://example.com</link>
	<item><title>Hello</title><link>https://example.com/1</link></item>
	<item><title>World</title><link>https://example.com/2</link></item>
</channel>
</rss>`

func TestRSSSource(t *testing.T) {
	var userAgents []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgents = append(userAgents, r.UserAgent())
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssDocument))
	}))
	defer server.Close()

	seen := history.New()
	seen.Record("https://example.com/1", 1)

	posts, err := NewRSSSource(server.URL).Fetch(context.Background(), seen)
	require.NoError(t, err)
	assert.Equal(t, []Post{{Title: "World", URL: "https://example.com/2"}}, posts)
	assert.Equal(t, []string{userAgent}, userAgents)
}

func TestRSSSourceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("not a feed"))
	}))
	defer server.Close()

	_, err := NewRSSSource(server.URL+"/missing").Fetch(context.Background(), history.New())
	assert.EqualError(t, err, "request failed with status code 404")

	_, err = NewRSSSource(server.URL+"/garbage").Fetch(context.Background(), history.New())
	assert.Error(t, err)
}

func TestRandomColor(t *testing.T) {
	for i := 0; i < 100; i++ {
		color := RandomColor()
		for _, c := range color {
			assert.GreaterOrEqual(t, c, 0)
			assert.LessOrEqual(t, c, 255)
		}
	}
	assert.Equal(t, Color{243, 121, 121}, hsvToRGB(0, 0.5, 0.95))
}
