package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"feedbot/internal/bot"
	"feedbot/internal/config"
	"feedbot/internal/storage"
	"feedbot/internal/telegram"
)

const (
	errTelegramBotTokenNotFound  = "telegram bot token not found"
	errFirestoreCredentialNotSet = "firestore credential not found"
)

var args struct {
	Config                 string `arg:"-c,--config" help:"path to the TOML config file"`
	Token                  string `arg:"-t,--token" help:"telegram bot token"`
	TokenKey               string `arg:"--token-env-key" default:"TELEGRAM_BOT_TOKEN" help:"env key for telegram bot token"`
	FirestoreCredential    string `arg:"--firestore-credential" help:"base64 encoded firestore credential"`
	FirestoreCredentialKey string `arg:"--firestore-credential-key" default:"FIRESTORE_CREDENTIAL" help:"env key for base64 encoded firestore credential"`
	Debug                  bool   `arg:"--debug" help:"log at debug level in development format"`
}

type App struct {
	logger  *zap.Logger
	conf    config.Config
	store   storage.Store
	session *telegram.Session
	bot     *bot.Bot
}

func parseArgs() {
	arg.MustParse(&args)
}

func secret(value, envKey string) string {
	if value != "" {
		return value
	}
	if envKey == "" {
		return ""
	}
	return os.Getenv(envKey)
}

// loadConfig reads the config at path. Without a path the default location
// is used and created with defaults when missing.
func (app *App) loadConfig(path string) error {
	if path == "" {
		path = config.DefaultPath()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			app.conf = config.Default()
			if err := config.Write(path, app.conf); err != nil {
				app.logger.Warn("failed to write default config", zap.String("path", path), zap.Error(err))
			} else {
				app.logger.Info("wrote default config", zap.String("path", path))
			}
			return app.conf.Validate()
		}
	}

	conf, err := config.Read(path)
	if err != nil {
		return err
	}
	app.conf = conf
	app.logger.Info("loaded config", zap.String("path", path))
	return app.conf.Validate()
}

func (app *App) openStore(ctx context.Context) (storage.Store, error) {
	switch app.conf.Storage {
	case config.FirestoreStorage:
		encoded := secret(args.FirestoreCredential, args.FirestoreCredentialKey)
		if encoded == "" {
			return nil, errors.New(errFirestoreCredentialNotSet)
		}
		credential, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode firestore credential with %w", err)
		}
		store, err := storage.NewFirestore(ctx, credential, app.conf.FirestoreProject)
		if err != nil {
			return nil, err
		}
		app.logger.Info("using firestore storage")
		return store, nil
	default:
		store, err := storage.NewFile(app.conf.DataDir)
		if err != nil {
			return nil, err
		}
		app.logger.Info("using file storage", zap.String("dir", app.conf.DataDir))
		return store, nil
	}
}

func (app *App) launch(ctx context.Context) error {
	if err := app.loadConfig(args.Config); err != nil {
		return fmt.Errorf("failed to load config with %w", err)
	}

	token := secret(args.Token, args.TokenKey)
	if token == "" {
		return errors.New(errTelegramBotTokenNotFound)
	}

	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	app.store = store

	session, err := telegram.NewSession(token, telegram.Options{
		SendRate:  app.conf.SendRate,
		SendBurst: app.conf.SendBurst,
		Debug:     args.Debug,
	}, app.logger.Named("telegram"))
	if err != nil {
		return err
	}
	app.session = session

	app.bot = bot.New(store, session, session, bot.Options{
		FetchInterval:  app.conf.FetchInterval(),
		SaveInterval:   app.conf.SaveInterval(),
		PruneThreshold: app.conf.PruneThreshold(),
	}, app.logger.Named("bot"))

	if err := app.bot.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bot with %w", err)
	}

	go func() {
		if err := app.session.Run(ctx, app.bot); err != nil {
			app.logger.Error("update loop stopped", zap.Error(err))
		}
	}()
	return nil
}

func (app *App) close() {
	if app.store == nil {
		return
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("failed to close store", zap.Error(err))
	}
}
