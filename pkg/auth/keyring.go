package auth

import (
	"encoding/json"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "attachsync"

// KeyringStore keeps tokens in the operating system keychain.
type KeyringStore struct{}

// NewKeyringStore returns a keychain-backed store, probing availability first.
func NewKeyringStore() (*KeyringStore, error) {
	// A set/delete round trip is the only way to know the keychain works.
	probe := "attachsync-availability-probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	_ = keyring.Delete(keyringService, probe)
	return &KeyringStore{}, nil
}

func (s *KeyringStore) Store(token *Token) error {
	if token == nil || token.APIToken == "" {
		return ErrInvalidToken
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := keyring.Set(keyringService, token.Label, string(data)); err != nil {
		return fmt.Errorf("failed to store in keychain: %w", err)
	}
	return nil
}

func (s *KeyringStore) Retrieve(label string) (*Token, error) {
	data, err := keyring.Get(keyringService, label)
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to read keychain: %w", err)
	}

	var token Token
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

func (s *KeyringStore) Delete(label string) error {
	if err := keyring.Delete(keyringService, label); err != nil {
		if err == keyring.ErrNotFound {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to delete from keychain: %w", err)
	}
	return nil
}

func (s *KeyringStore) Exists(label string) bool {
	_, err := keyring.Get(keyringService, label)
	return err == nil
}
