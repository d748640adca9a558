package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	keyLength        = 32
	saltLength       = 32
)

// EncryptedFileStore keeps tokens in an AES-GCM encrypted file. The key is
// derived from a passphrase with PBKDF2.
type EncryptedFileStore struct {
	filePath   string
	passphrase []byte
}

type encryptedFile struct {
	Salt      string    `json:"salt"`
	Encrypted string    `json:"encrypted"`
	Version   int       `json:"version"`
	Modified  time.Time `json:"modified"`
}

// NewEncryptedFileStore creates a store backed by the given file.
func NewEncryptedFileStore(filePath string) (*EncryptedFileStore, error) {
	passphrase, err := loadPassphrase(filepath.Dir(filePath))
	if err != nil {
		return nil, fmt.Errorf("failed to get passphrase: %w", err)
	}
	return &EncryptedFileStore{filePath: filePath, passphrase: passphrase}, nil
}

func (s *EncryptedFileStore) Store(token *Token) error {
	if token == nil || token.APIToken == "" {
		return ErrInvalidToken
	}

	tokens, err := s.loadTokens()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if tokens == nil {
		tokens = make(map[string]*Token)
	}
	tokens[token.Label] = token

	return s.saveTokens(tokens)
}

func (s *EncryptedFileStore) Retrieve(label string) (*Token, error) {
	tokens, err := s.loadTokens()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}

	token, ok := tokens[label]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return token, nil
}

func (s *EncryptedFileStore) Delete(label string) error {
	tokens, err := s.loadTokens()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrTokenNotFound
		}
		return err
	}

	if _, ok := tokens[label]; !ok {
		return ErrTokenNotFound
	}
	delete(tokens, label)

	if len(tokens) == 0 {
		return os.Remove(s.filePath)
	}
	return s.saveTokens(tokens)
}

func (s *EncryptedFileStore) Exists(label string) bool {
	tokens, err := s.loadTokens()
	if err != nil {
		return false
	}
	_, ok := tokens[label]
	return ok
}

func (s *EncryptedFileStore) loadTokens() (map[string]*Token, error) {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, err
	}

	var file encryptedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	plaintext, err := s.decrypt(ciphertext, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token file: %w", err)
	}

	var tokens map[string]*Token
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return tokens, nil
}

func (s *EncryptedFileStore) saveTokens(tokens map[string]*Token) error {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	ciphertext, err := s.encrypt(plaintext, salt)
	if err != nil {
		return fmt.Errorf("failed to encrypt tokens: %w", err)
	}

	file := encryptedFile{
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		Version:   1,
		Modified:  time.Now(),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token file: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

func (s *EncryptedFileStore) encrypt(plaintext, salt []byte) ([]byte, error) {
	key := pbkdf2.Key(s.passphrase, salt, pbkdf2Iterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *EncryptedFileStore) decrypt(ciphertext, salt []byte) ([]byte, error) {
	key := pbkdf2.Key(s.passphrase, salt, pbkdf2Iterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

// loadPassphrase resolves the encryption passphrase. Checks the environment,
// then a passphrase file beside the token file, then generates one.
func loadPassphrase(dir string) ([]byte, error) {
	if pass := os.Getenv("ATTACHSYNC_PASSPHRASE"); pass != "" {
		return []byte(pass), nil
	}

	passFile := filepath.Join(dir, ".passphrase")
	if data, err := os.ReadFile(passFile); err == nil && len(data) > 0 {
		return data, nil
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("failed to generate passphrase: %w", err)
	}
	pass := []byte(base64.StdEncoding.EncodeToString(raw))

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(passFile, pass, 0600); err != nil {
		return nil, fmt.Errorf("failed to save passphrase: %w", err)
	}
	return pass, nil
}
