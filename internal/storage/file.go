package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

const (
	settingFile   = "setting.json"
	historyFolder = "history"
)

// File keeps the setting in <dir>/setting.json and every history in
// <dir>/history/<feed>.json.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(filepath.Join(dir, historyFolder), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory at '%s' with %w", dir, err)
	}
	return &File{dir: dir}, nil
}

func (store *File) historyPath(name string) string {
	return filepath.Join(store.dir, historyFolder, url.PathEscape(name)+".json")
}

func (store *File) LoadSetting(ctx context.Context) (*Setting, error) {
	data, err := readFile(filepath.Join(store.dir, settingFile))
	if err != nil || data == nil {
		return nil, err
	}

	var setting Setting
	if err := json.Unmarshal(data, &setting); err != nil {
		return nil, fmt.Errorf("failed to decode setting with %w", err)
	}
	return &setting, nil
}

func (store *File) SaveSetting(ctx context.Context, setting Setting) error {
	if setting.Feeds == nil {
		setting.Feeds = []FeedSetting{}
	}
	data, err := json.Marshal(setting)
	if err != nil {
		return fmt.Errorf("failed to encode setting with %w", err)
	}
	return writeFile(filepath.Join(store.dir, settingFile), data)
}

func (store *File) LoadHistory(ctx context.Context, name string) ([]byte, error) {
	return readFile(store.historyPath(name))
}

func (store *File) SaveHistory(ctx context.Context, name string, data []byte) error {
	return writeFile(store.historyPath(name), data)
}

func (store *File) DeleteHistory(ctx context.Context, name string) error {
	err := os.Remove(store.historyPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (store *File) Close() error {
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read '%s' with %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// writeFile replaces path through a temporary file so readers never see a
// partial document.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for '%s' with %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write '%s' with %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write '%s' with %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace '%s' with %w", path, err)
	}
	return nil
}
