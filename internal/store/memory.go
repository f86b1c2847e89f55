package store

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/weather-telemetry/internal/telemetry"
)

// ErrVersionRequired is returned by Put when an existing object is written
// without an expected version. It matches telemetry.ErrConflict.
var ErrVersionRequired = fmt.Errorf("%w: version required to update an existing object", telemetry.ErrConflict)

// wrapWidth matches the line length GitHub uses for base64 file content.
const wrapWidth = 60

// Commit records one successful write.
type Commit struct {
	ID      string
	Key     string
	Message string
	Version string
	Time    time.Time
}

type object struct {
	content []byte
	version string
}

// MemoryStore is a concurrency-safe in-memory object store with
// compare-and-swap writes. Versions are git blob SHA-1s of the content, so
// identical content yields identical versions.
type MemoryStore struct {
	mu sync.RWMutex

	// key: object key
	data map[string]object

	commits []Commit
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]object),
	}
}

// BlobSHA returns the git blob hash of content.
func BlobSHA(content []byte) string {
	h := sha1.New()
	h.Write([]byte("blob " + strconv.Itoa(len(content)) + "\x00"))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// EncodeContent base64-encodes content and wraps it at 60 columns.
func EncodeContent(content []byte) string {
	enc := base64.StdEncoding.EncodeToString(content)
	if enc == "" {
		return ""
	}
	var b strings.Builder
	for len(enc) > wrapWidth {
		b.WriteString(enc[:wrapWidth])
		b.WriteByte('\n')
		enc = enc[wrapWidth:]
	}
	b.WriteString(enc)
	b.WriteByte('\n')
	return b.String()
}

// Get returns the object at key, or telemetry.ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) (telemetry.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.data[key]
	if !ok {
		return telemetry.Blob{}, telemetry.ErrNotFound
	}
	return telemetry.Blob{
		Content: EncodeContent(obj.content),
		Version: obj.version,
	}, nil
}

// Put writes content at key. An empty expectedVersion only succeeds when the
// key does not exist; otherwise it must match the current version.
func (s *MemoryStore) Put(ctx context.Context, key string, content []byte, expectedVersion, message string) (string, error) {
	c, err := s.Commit(ctx, key, content, expectedVersion, message)
	if err != nil {
		return "", err
	}
	return c.Version, nil
}

// Commit is Put returning the full commit record.
func (s *MemoryStore) Commit(_ context.Context, key string, content []byte, expectedVersion, message string) (Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[key]
	switch {
	case !exists && expectedVersion != "":
		return Commit{}, telemetry.ErrConflict
	case exists && expectedVersion == "":
		return Commit{}, ErrVersionRequired
	case exists && current.version != expectedVersion:
		return Commit{}, telemetry.ErrConflict
	}

	version := BlobSHA(content)
	s.data[key] = object{
		content: append([]byte(nil), content...),
		version: version,
	}
	c := Commit{
		ID:      BlobSHA([]byte(key + "\x00" + version + "\x00" + message)),
		Key:     key,
		Message: message,
		Version: version,
		Time:    time.Now().UTC(),
	}
	s.commits = append(s.commits, c)
	return c, nil
}

// Lookup returns the decoded content at key and its version.
func (s *MemoryStore) Lookup(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.data[key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.content...), obj.version, true
}

// Seed stores content at key unconditionally and returns its version.
func (s *MemoryStore) Seed(key string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := BlobSHA(content)
	s.data[key] = object{content: append([]byte(nil), content...), version: version}
	return version
}

// Commits returns the write history, oldest first.
func (s *MemoryStore) Commits() []Commit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Commit, len(s.commits))
	copy(out, s.commits)
	return out
}
