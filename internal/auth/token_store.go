package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Secret is a string whose value is redacted from formatted output. JSON
// round-trips keep the real value so tokens persist across restarts.
type Secret string

func (s Secret) String() string   { return "[redacted]" }
func (s Secret) GoString() string { return "[redacted]" }

// Reveal returns the underlying value.
func (s Secret) Reveal() string { return string(s) }

// Token is one provider's OAuth credential set.
type Token struct {
	ProviderID    string    `json:"provider_id"`
	AccessToken   Secret    `json:"access_token"`
	RefreshToken  Secret    `json:"refresh_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	EnterpriseURL string    `json:"enterprise_url,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
}

// IsExpired reports whether the access token has already expired.
func (t Token) IsExpired() bool {
	return !time.Now().Before(t.ExpiresAt)
}

// NeedsRefresh reports whether the token expires within five minutes.
func (t Token) NeedsRefresh() bool {
	return !time.Now().Add(5 * time.Minute).Before(t.ExpiresAt)
}

// Store persists OAuth tokens to a JSON file keyed by provider id. All
// mutations are written through synchronously with mode 0600.
type Store struct {
	filePath string

	mu     sync.RWMutex
	tokens map[string]Token
}

// NewStore loads tokens from filePath if it exists.
func NewStore(filePath string) (*Store, error) {
	tokens := make(map[string]Token)
	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &tokens); err != nil {
			return nil, fmt.Errorf("auth: parse token file %s: %w", filePath, err)
		}
	case os.IsNotExist(err):
		// first run
	default:
		return nil, fmt.Errorf("auth: read token file %s: %w", filePath, err)
	}
	return &Store{filePath: filePath, tokens: tokens}, nil
}

// DefaultStorePath returns <appDir>/oauth_tokens.json.
func DefaultStorePath(appDir string) string {
	return filepath.Join(appDir, "oauth_tokens.json")
}

// Save stores the token under its provider id and persists.
func (s *Store) Save(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ProviderID] = token
	return s.persistLocked()
}

// Get returns the token for a provider id.
func (s *Store) Get(providerID string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[providerID]
	return token, ok
}

// Remove deletes the token for a provider id and persists.
func (s *Store) Remove(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, providerID)
	return s.persistLocked()
}

// Providers lists provider ids with stored tokens, sorted.
func (s *Store) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tokens))
	for id := range s.tokens {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// All returns a copy of every stored token.
func (s *Store) All() map[string]Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Token, len(s.tokens))
	for id, token := range s.tokens {
		out[id] = token
	}
	return out
}

// persistLocked writes the token map atomically: temp file, chmod 0600,
// rename over the target.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: serialize tokens: %w", err)
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("auth: create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".oauth_tokens-*.json")
	if err != nil {
		return fmt.Errorf("auth: create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: chmod token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("auth: close token file: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		return fmt.Errorf("auth: replace token file: %w", err)
	}
	return nil
}
