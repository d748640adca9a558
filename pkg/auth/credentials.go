// Package auth stores the Missive API token. Stores are tried in order:
// system keychain, encrypted file, environment variables.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// DefaultLabel names the token used when no label is given.
const DefaultLabel = "default"

// Token is a stored Missive API token.
type Token struct {
	Label        string    `json:"label"`
	APIToken     string    `json:"api_token"`
	LastModified time.Time `json:"last_modified"`
}

// TokenStore is the interface for storing and retrieving API tokens.
type TokenStore interface {
	// Store saves a token under its label.
	Store(token *Token) error

	// Retrieve gets the token for a label.
	Retrieve(label string) (*Token, error)

	// Delete removes the token for a label.
	Delete(label string) error

	// Exists checks if a token exists for a label.
	Exists(label string) bool
}

var (
	ErrTokenNotFound    = errors.New("api token not found")
	ErrInvalidToken     = errors.New("invalid api token")
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// Manager tries each backing store in order, falling through on failure.
type Manager struct {
	stores []TokenStore
}

// NewManager creates a token manager with every available backend.
func NewManager() (*Manager, error) {
	var stores []TokenStore

	if keyringStore, err := NewKeyringStore(); err == nil {
		stores = append(stores, keyringStore)
	}

	configDir, err := configDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "token.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	stores = append(stores, NewEnvironmentStore())

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores creates a manager over explicit stores. Used in tests.
func NewManagerWithStores(stores ...TokenStore) *Manager {
	return &Manager{stores: stores}
}

// Store saves the token in the first store that accepts it.
func (m *Manager) Store(token *Token) error {
	if token == nil || token.APIToken == "" {
		return ErrInvalidToken
	}
	if token.Label == "" {
		token.Label = DefaultLabel
	}
	token.LastModified = time.Now()

	var lastErr error
	for _, store := range m.stores {
		if err := store.Store(token); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store token: %w", lastErr)
	}
	return errors.New("no available token stores")
}

// Retrieve returns the token from the first store that has it.
func (m *Manager) Retrieve(label string) (*Token, error) {
	if label == "" {
		label = DefaultLabel
	}
	for _, store := range m.stores {
		if token, err := store.Retrieve(label); err == nil && token != nil {
			return token, nil
		}
	}
	return nil, ErrTokenNotFound
}

// Delete removes the token from every store that has it.
func (m *Manager) Delete(label string) error {
	if label == "" {
		label = DefaultLabel
	}

	var deleted bool
	var lastErr error
	for _, store := range m.stores {
		if err := store.Delete(label); err == nil {
			deleted = true
		} else {
			lastErr = err
		}
	}

	if !deleted && lastErr != nil {
		return fmt.Errorf("failed to delete token: %w", lastErr)
	}
	if !deleted {
		return ErrTokenNotFound
	}
	return nil
}

// Mask hides all but the edges of a token for display.
func Mask(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// configDir returns the attachsync configuration directory.
func configDir() (string, error) {
	var dir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, "Library", "Application Support", "attachsync")
	case "windows":
		dir = filepath.Join(os.Getenv("APPDATA"), "attachsync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			dir = filepath.Join(xdgConfig, "attachsync")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dir = filepath.Join(home, ".config", "attachsync")
		}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}
