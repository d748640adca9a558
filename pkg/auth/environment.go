package auth

import "os"

// EnvironmentStore reads the token from MISSIVE_API_TOKEN. It is read only
// and always last in the fallback chain.
type EnvironmentStore struct{}

func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

func (s *EnvironmentStore) Store(token *Token) error {
	return ErrStoreUnavailable
}

func (s *EnvironmentStore) Retrieve(label string) (*Token, error) {
	value := os.Getenv("MISSIVE_API_TOKEN")
	if value == "" {
		return nil, ErrTokenNotFound
	}
	return &Token{Label: label, APIToken: value}, nil
}

func (s *EnvironmentStore) Delete(label string) error {
	return ErrStoreUnavailable
}

func (s *EnvironmentStore) Exists(label string) bool {
	return os.Getenv("MISSIVE_API_TOKEN") != ""
}
