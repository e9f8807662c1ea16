// Package ident manages the identity of this capsyd server instance and
// generates unique IDs for sessions and notifications.
//
// The server has a persistent ULID generated on first start and stored in
// the data directory, so log lines and notification origins stay traceable
// across restarts. Per-event IDs (connection sessions, notifications) are
// fresh ULIDs from a shared monotonic entropy source, which keeps them
// lexicographically ordered even within the same millisecond.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const serverIDFile = "server_id"

// ServerID is the stable ULID identifying one capsyd process's data dir.
type ServerID string

func (id ServerID) String() string { return string(id) }

// LoadServerID reads the server ID from dataDir/server_id, generating and
// persisting a new one on first start.
func LoadServerID(dataDir string) (ServerID, error) {
	if dataDir == "" {
		return "", errors.New("ident: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("ident: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, serverIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := ulid.ParseStrict(id); perr != nil {
			return "", fmt.Errorf("ident: persisted id %q is invalid: %w", id, perr)
		}
		return ServerID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ident: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("ident: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("ident: persist id: %w", err)
	}
	return ServerID(id), nil
}

var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh time-ordered ULID. The shared entropy source is
// mutex-guarded so IDs stay monotone across concurrent callers.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("ident.MustNewID: %v", err))
	}
	return id
}
