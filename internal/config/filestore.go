package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var ErrKeyNotFound = errors.New("config: key not found")

// FileStore serves dotted keys from a YAML/JSON/TOML file, for running
// outside AWS.
type FileStore struct {
	v *viper.Viper
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("config: file path must not be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return &FileStore{v: v}, nil
}

func (s *FileStore) GetParameter(_ context.Context, name string) (string, error) {
	if !s.v.IsSet(name) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return s.v.GetString(name), nil
}
