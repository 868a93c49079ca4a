package config

import (
	"context"
	"errors"
	"strings"

	"voicegpt-bot/internal/domain"
)

// Key names a required setting in the keyed secret store.
type Key string

const (
	KeyEnvironment   Key = "environment"
	KeyTelegramToken Key = "telegram.bot.token"
	KeyOpenAIKey     Key = "chatgpt.api.key"
)

// RequiredKeys must all be present for the process to start.
var RequiredKeys = []Key{KeyEnvironment, KeyTelegramToken, KeyOpenAIKey}

// Getter is a keyed string store. *paramstore.Client and *FileStore satisfy it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Secrets are the resolved required keys.
type Secrets struct {
	Environment   string
	TelegramToken string
	OpenAIKey     string
}

// Provider resolves typed keys from a Getter. With a non-empty prefix, a
// dotted key such as "telegram.bot.token" is looked up as
// "<prefix>/telegram/bot/token"; otherwise the key is used verbatim.
type Provider struct {
	store  Getter
	prefix string
}

func NewProvider(store Getter, prefix string) (*Provider, error) {
	if store == nil {
		return nil, errors.New("config: store must not be nil")
	}
	return &Provider{store: store, prefix: strings.TrimRight(strings.TrimSpace(prefix), "/")}, nil
}

func (p *Provider) ParameterName(key Key) string {
	if p.prefix == "" {
		return string(key)
	}
	return p.prefix + "/" + strings.ReplaceAll(string(key), ".", "/")
}

// Get returns the value stored under key. A lookup failure or an empty value
// is reported as a KindConfigMissing error.
func (p *Provider) Get(ctx context.Context, key Key) (string, error) {
	v, err := p.store.GetParameter(ctx, p.ParameterName(key))
	if err != nil {
		return "", domain.NewError(domain.KindConfigMissing, `key "`+string(key)+`" not found`, err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", domain.NewError(domain.KindConfigMissing, `key "`+string(key)+`" is empty`, nil)
	}
	return v, nil
}

// LoadSecrets resolves every required key and reports all missing ones at once.
func (p *Provider) LoadSecrets(ctx context.Context) (Secrets, error) {
	vals := make(map[Key]string, len(RequiredKeys))
	var errs []error
	for _, k := range RequiredKeys {
		v, err := p.Get(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		vals[k] = v
	}
	if len(errs) > 0 {
		return Secrets{}, errors.Join(errs...)
	}
	return Secrets{
		Environment:   vals[KeyEnvironment],
		TelegramToken: vals[KeyTelegramToken],
		OpenAIKey:     vals[KeyOpenAIKey],
	}, nil
}
