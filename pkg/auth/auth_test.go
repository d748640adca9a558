package auth

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// memoryStore is an in-memory TokenStore for manager tests.
type memoryStore struct {
	tokens   map[string]*Token
	failWith error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tokens: make(map[string]*Token)}
}

func (m *memoryStore) Store(token *Token) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.tokens[token.Label] = token
	return nil
}

func (m *memoryStore) Retrieve(label string) (*Token, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	token, ok := m.tokens[label]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return token, nil
}

func (m *memoryStore) Delete(label string) error {
	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.tokens[label]; !ok {
		return ErrTokenNotFound
	}
	delete(m.tokens, label)
	return nil
}

func (m *memoryStore) Exists(label string) bool {
	_, ok := m.tokens[label]
	return ok
}

func TestEncryptedFileStoreRoundTrip(t *testing.T) {
	t.Setenv("ATTACHSYNC_PASSPHRASE", "test-passphrase")
	path := filepath.Join(t.TempDir(), "token.enc")

	store, err := NewEncryptedFileStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	token := &Token{Label: DefaultLabel, APIToken: "missive_pat_secret"}
	if err := store.Store(token); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// The token must not appear in the file in the clear.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte("missive_pat_secret")) {
		t.Error("Token stored in the clear")
	}

	got, err := store.Retrieve(DefaultLabel)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.APIToken != "missive_pat_secret" {
		t.Errorf("Expected token back, got %q", got.APIToken)
	}

	if !store.Exists(DefaultLabel) {
		t.Error("Exists should report the stored token")
	}
	if store.Exists("other") {
		t.Error("Exists must not report unknown labels")
	}
}

func TestEncryptedFileStoreWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.enc")

	t.Setenv("ATTACHSYNC_PASSPHRASE", "first")
	store, err := NewEncryptedFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Store(&Token{Label: DefaultLabel, APIToken: "secret"}); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ATTACHSYNC_PASSPHRASE", "second")
	other, err := NewEncryptedFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Retrieve(DefaultLabel); err == nil {
		t.Error("Expected decryption failure with the wrong passphrase")
	}
}

func TestEncryptedFileStoreDelete(t *testing.T) {
	t.Setenv("ATTACHSYNC_PASSPHRASE", "test-passphrase")
	path := filepath.Join(t.TempDir(), "token.enc")

	store, err := NewEncryptedFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Store(&Token{Label: DefaultLabel, APIToken: "secret"}); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(DefaultLabel); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Retrieve(DefaultLabel); err == nil {
		t.Error("Expected not found after delete")
	}

	// Deleting the last token removes the file entirely.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected token file removed when empty")
	}

	if err := store.Delete("missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound, got %v", err)
	}
}

func TestGeneratedPassphrasePersists(t *testing.T) {
	t.Setenv("ATTACHSYNC_PASSPHRASE", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "token.enc")

	store, err := NewEncryptedFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Store(&Token{Label: DefaultLabel, APIToken: "secret"}); err != nil {
		t.Fatal(err)
	}

	// A second store in the same directory finds the same passphrase file
	// and can decrypt.
	again, err := NewEncryptedFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := again.Retrieve(DefaultLabel)
	if err != nil {
		t.Fatalf("Retrieve with persisted passphrase failed: %v", err)
	}
	if got.APIToken != "secret" {
		t.Errorf("Expected secret back, got %q", got.APIToken)
	}

	if _, err := os.Stat(filepath.Join(dir, ".passphrase")); err != nil {
		t.Error("Expected generated passphrase file")
	}
}

func TestEnvironmentStore(t *testing.T) {
	store := NewEnvironmentStore()

	t.Setenv("MISSIVE_API_TOKEN", "")
	if _, err := store.Retrieve(DefaultLabel); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Expected not found without env var, got %v", err)
	}

	t.Setenv("MISSIVE_API_TOKEN", "env-secret")
	token, err := store.Retrieve(DefaultLabel)
	if err != nil {
		t.Fatal(err)
	}
	if token.APIToken != "env-secret" {
		t.Errorf("Expected env token, got %q", token.APIToken)
	}

	if err := store.Store(token); !errors.Is(err, ErrStoreUnavailable) {
		t.Error("Environment store must be read only")
	}
	if err := store.Delete(DefaultLabel); !errors.Is(err, ErrStoreUnavailable) {
		t.Error("Environment store must be read only")
	}
}

func TestManagerFallbackChain(t *testing.T) {
	broken := newMemoryStore()
	broken.failWith = errors.New("keychain locked")
	working := newMemoryStore()

	manager := NewManagerWithStores(broken, working)

	token := &Token{Label: DefaultLabel, APIToken: "secret"}
	if err := manager.Store(token); err != nil {
		t.Fatalf("Store should fall through to the working store: %v", err)
	}
	if !working.Exists(DefaultLabel) {
		t.Error("Expected token in the fallback store")
	}

	got, err := manager.Retrieve(DefaultLabel)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.APIToken != "secret" {
		t.Errorf("Expected secret, got %q", got.APIToken)
	}

	if err := manager.Delete(DefaultLabel); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if working.Exists(DefaultLabel) {
		t.Error("Expected token deleted from fallback store")
	}
}

func TestManagerRejectsEmptyToken(t *testing.T) {
	manager := NewManagerWithStores(newMemoryStore())

	if err := manager.Store(&Token{Label: DefaultLabel}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
	if err := manager.Store(nil); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for nil, got %v", err)
	}
}

func TestManagerDefaultLabel(t *testing.T) {
	store := newMemoryStore()
	manager := NewManagerWithStores(store)

	if err := manager.Store(&Token{APIToken: "secret"}); err != nil {
		t.Fatal(err)
	}
	got, err := manager.Retrieve("")
	if err != nil {
		t.Fatalf("Empty label should resolve to default: %v", err)
	}
	if got.Label != DefaultLabel {
		t.Errorf("Expected default label, got %q", got.Label)
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short", "********"},
		{"12345678", "********"},
		{"missive_pat_abcdef", "miss...cdef"},
	}
	for _, test := range tests {
		if got := Mask(test.in); got != test.want {
			t.Errorf("Mask(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}
