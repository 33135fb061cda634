// Package sessionid keeps a stable conversation identifier in an
// addressable location so that reopening the client resumes the same
// backend conversation.
package sessionid

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// QueryParam carries the identifier in URL locations.
const QueryParam = "session_id"

type Location interface {
	// Lookup returns "" when no identifier is stored.
	Lookup() (string, error)
	Store(id string) error
}

// Ensure returns the identifier held by loc, generating and storing a new
// one only when none is present.
func Ensure(loc Location) (string, error) {
	id, err := loc.Lookup()
	if err != nil {
		return "", fmt.Errorf("failed to read session id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := loc.Store(id); err != nil {
		return "", fmt.Errorf("failed to store session id: %w", err)
	}
	slog.Info("Generated new session id", "session", id)
	return id, nil
}

// Valid reports whether id looks like an identifier this package issues.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// FileLocation stores the identifier as the only line of a file.
type FileLocation struct {
	Path string
}

func (f FileLocation) Lookup() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (f FileLocation) Store(id string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, []byte(id+"\n"), 0644)
}

// URLLocation carries the identifier as a query parameter, the way a
// shared link does.
type URLLocation struct {
	mu  sync.Mutex
	url *url.URL
}

func NewURLLocation(raw string) (*URLLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", raw, err)
	}
	return &URLLocation{url: u}, nil
}

func (l *URLLocation) Lookup() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url.Query().Get(QueryParam), nil
}

func (l *URLLocation) Store(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.url.Query()
	q.Set(QueryParam, id)
	l.url.RawQuery = q.Encode()
	return nil
}

func (l *URLLocation) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url.String()
}

// Fixed is a location that already holds id, used when the identifier is
// given explicitly.
type Fixed string

func (f Fixed) Lookup() (string, error) { return string(f), nil }
func (f Fixed) Store(string) error      { return errors.New("fixed session id cannot be replaced") }
