package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// TokenSource supplies the bearer token for remote calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticToken never changes. Refresh is a no-op.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("remote token is empty")
	}
	return string(s), nil
}

func (StaticToken) Refresh(context.Context) error { return nil }

// FileToken reads the token from a mounted secret and re-reads it on Refresh.
type FileToken struct {
	path string

	mu    sync.RWMutex
	token string
}

func NewFileToken(path string) (*FileToken, error) {
	t := &FileToken{path: path}
	if err := t.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *FileToken) Token(context.Context) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token, nil
}

func (t *FileToken) Refresh(context.Context) error {
	b, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return fmt.Errorf("token file %s is empty", t.path)
	}
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
	return nil
}
