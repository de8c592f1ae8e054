package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
)

// Persister stores the session across process restarts.
type Persister interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
	Clear(ctx context.Context) error
}

// FilePersister keeps the session as a JSON file.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (p *FilePersister) Load(_ context.Context) (State, error) {
	b, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read session file: %w", err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("decode session file: %w", err)
	}
	return s, nil
}

func (p *FilePersister) Save(_ context.Context, s State) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return os.Rename(tmp, p.path)
}

func (p *FilePersister) Clear(_ context.Context) error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// RedisPersister keeps the session under a single Redis key.
type RedisPersister struct {
	client *redis.Client
	key    string
}

func NewRedisPersister(client *redis.Client, key string) *RedisPersister {
	return &RedisPersister{client: client, key: key}
}

func (p *RedisPersister) Load(ctx context.Context) (State, error) {
	val, err := p.client.Get(ctx, p.key).Result()
	if err == redis.Nil {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load session: %w", err)
	}
	var s State
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return State{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func (p *RedisPersister) Save(ctx context.Context, s State) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, p.key, b, 0).Err()
}

func (p *RedisPersister) Clear(ctx context.Context) error {
	return p.client.Del(ctx, p.key).Err()
}
