package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	settingsCollection  = "settings"
	topologyDocument    = "topology"
	historiesCollection = "histories"
)

type historyDocument struct {
	Entries   string    `firestore:"entries"`
	UpdatedAt time.Time `firestore:"updated-at"`
}

// Firestore keeps the setting in settings/topology and every history in
// histories/<feed>. Histories are stored as their serialized JSON because
// Firestore cannot hold nested arrays.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects with a service account credential in JSON form.
// projectID may be empty to use the one of the credential.
func NewFirestore(ctx context.Context, credential []byte, projectID string) (*Firestore, error) {
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsJSON(credential))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app with %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firestore client with %w", err)
	}
	return &Firestore{client: client}, nil
}

func NewFirestoreWithClient(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

func (store *Firestore) LoadSetting(ctx context.Context) (*Setting, error) {
	dsnap, err := store.client.Collection(settingsCollection).Doc(topologyDocument).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}

	var setting Setting
	if err := dsnap.DataTo(&setting); err != nil {
		return nil, fmt.Errorf("failed to decode setting with %w", err)
	}
	return &setting, nil
}

func (store *Firestore) SaveSetting(ctx context.Context, setting Setting) error {
	if setting.Feeds == nil {
		setting.Feeds = []FeedSetting{}
	}
	_, err := store.client.Collection(settingsCollection).Doc(topologyDocument).Set(ctx, setting)
	return err
}

func (store *Firestore) historyRef(name string) *firestore.DocumentRef {
	return store.client.Collection(historiesCollection).Doc(url.PathEscape(name))
}

func (store *Firestore) LoadHistory(ctx context.Context, name string) ([]byte, error) {
	dsnap, err := store.historyRef(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}

	var doc historyDocument
	if err := dsnap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode history of '%s' with %w", name, err)
	}
	if doc.Entries == "" {
		return nil, nil
	}
	return []byte(doc.Entries), nil
}

func (store *Firestore) SaveHistory(ctx context.Context, name string, data []byte) error {
	_, err := store.historyRef(name).Set(ctx, historyDocument{
		Entries:   string(data),
		UpdatedAt: time.Now(),
	})
	return err
}

func (store *Firestore) DeleteHistory(ctx context.Context, name string) error {
	_, err := store.historyRef(name).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

func (store *Firestore) Close() error {
	return store.client.Close()
}
