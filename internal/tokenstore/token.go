// Package tokenstore implements the on-disk OAuth2 token cache: a JSON
// object keyed by a stable per-provider/user hash, persisted with an
// advisory file lock so sibling worker processes never corrupt it.
package tokenstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// localTime marshals/unmarshals as a local (non-UTC) ISO-8601 datetime.
// Expirations are stored and compared in local time, not normalized to
// UTC, so the cache file stays readable alongside older tooling.
type localTime struct {
	time.Time
}

const isoLayout = "2006-01-02T15:04:05"

func (t localTime) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Time.Format(isoLayout))
}

func (t *localTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(isoLayout, s, time.Local)
	if err != nil {
		return fmt.Errorf("parse access_token_expiration %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// Token is one cached OAuth2 grant.
type Token struct {
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiration localTime `json:"access_token_expiration"`
	RefreshToken          string    `json:"refresh_token"`
}

// NewToken builds a Token whose expiration is now + expiresIn.
func NewToken(accessToken, refreshToken string, expiresIn time.Duration) Token {
	return Token{
		AccessToken:           accessToken,
		AccessTokenExpiration: localTime{time.Now().Add(expiresIn)},
		RefreshToken:          refreshToken,
	}
}

// Valid reports whether the token's expiration is present and strictly
// in the future. Validity is monotonic: Valid is false iff now >=
// expiration.
func (t Token) Valid() bool {
	if t.AccessToken == "" || t.AccessTokenExpiration.IsZero() {
		return false
	}
	return t.AccessTokenExpiration.After(time.Now())
}

// Cache is the in-memory, JSON-serializable token cache: token-key to
// Token.
type Cache map[string]Token

// Store owns a single token cache file for the process lifetime. Callers
// obtain one Store per process and pass it explicitly through session
// construction — there is no hidden package-level singleton.
type Store struct {
	mu    sync.Mutex
	path  string
	cache Cache
}

// Open loads the cache file at path if it exists (an empty file is
// treated as an empty cache), or starts with an empty cache otherwise.
// The in-memory copy is retained for the lifetime of the Store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, cache: Cache{}}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(data))) == 0 {
			return s, nil
		}
		if err := json.Unmarshal(data, &s.cache); err != nil {
			return nil, fmt.Errorf("parse token cache %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Empty cache is fine; file is created on first Save.
	default:
		return nil, fmt.Errorf("read token cache %s: %w", path, err)
	}

	return s, nil
}

// Get returns the cached token for key, if any.
func (s *Store) Get(key string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.cache[key]
	return tok, ok
}

// Put stores tok under key and persists the cache to disk. A Token with
// an empty AccessToken is rejected: a cache entry always has a
// non-empty access token, so a failed refresh can never overwrite a
// prior valid entry.
func (s *Store) Put(key string, tok Token) error {
	if tok.AccessToken == "" {
		return fmt.Errorf("refusing to cache token with empty access_token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[key] = tok
	return s.save()
}

// save rewrites the cache file: pretty-printed, sorted keys, UTF-8,
// guarded by an advisory exclusive lock across the read-modify-write
// window so sibling processes sharing the file (server and tunnel
// instances, the authorization tool) never interleave writes.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	if dir == "." {
		dir = ""
	}

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock token cache %s: %w", s.path, err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	// Re-read under the lock so a concurrent writer's update is not lost.
	if data, err := os.ReadFile(s.path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		onDisk := Cache{}
		if err := json.Unmarshal(data, &onDisk); err == nil {
			for k, v := range onDisk {
				if _, have := s.cache[k]; !have {
					s.cache[k] = v
				}
			}
		}
	}

	// encoding/json emits map keys sorted, which keeps the file diffable.
	data, err := json.MarshalIndent(s.cache, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal token cache: %w", err)
	}

	tmp, err := os.CreateTemp(pathOrDot(dir), ".tokens.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		tmp.Close()
		if !renamed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename temp cache file onto %s: %w", s.path, err)
	}
	renamed = true

	return nil
}

func pathOrDot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// Key computes the stable token-key for a provider: the hex SHA-256 of
// the concatenation, space-separated, of authorize-endpoint, tenant,
// client-secret, client-id, and username, in that order, skipping any
// that are absent. Permuting any other provider key never changes this.
func Key(fields map[string]string) string {
	order := []string{"authorize-endpoint", "tenant", "client-secret", "client-id", "username"}

	parts := make([]string, 0, len(order))
	for _, k := range order {
		if v, ok := fields[k]; ok && v != "" {
			parts = append(parts, v)
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, " ")))
	return hex.EncodeToString(sum[:])
}
