package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rubiojr/tripguide/pkg/store"
	"github.com/rubiojr/tripguide/pkg/validate"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Credentials let the next launch resume the session without asking.
type Credentials struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

const (
	credentialsKey = "credentials"
	keyInfo        = "tripguide-credentials-v1"
	masterKeySize  = 32
)

// ErrSealed means the cached credentials could not be opened, typically
// because the key file was replaced.
var ErrSealed = errors.New("cached credentials unreadable")

// CredentialCache keeps Credentials sealed with XChaCha20-Poly1305 under a
// key derived from a per-install key file.
type CredentialCache struct {
	bucket *store.Bucket
	key    []byte
}

type sealed struct {
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// OpenCredentialCache loads the key file at keyPath, creating it with 0600
// permissions when missing.
func OpenCredentialCache(bucket *store.Bucket, keyPath string) (*CredentialCache, error) {
	master, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	h := hkdf.New(sha256.New, master, nil, []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive credentials key: %w", err)
	}
	return &CredentialCache{bucket: bucket, key: key}, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil && len(b) == masterKeySize {
		return b, nil
	}
	if err == nil {
		log.Error("key file %s has %d bytes, regenerating", path, len(b))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	b = make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return b, nil
}

// Save seals and stores c, replacing any previous credentials.
func (cc *CredentialCache) Save(c Credentials) error {
	c.Email = strings.TrimSpace(c.Email)
	if err := validate.NotBlank("email", c.Email); err != nil {
		return err
	}
	if err := validate.NotBlank("password", c.Password); err != nil {
		return err
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(cc.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	s := sealed{Nonce: nonce, Data: aead.Seal(nil, nonce, plain, []byte(credentialsKey))}
	blob, err := store.BlobOf(s)
	if err != nil {
		return err
	}
	return cc.bucket.Set(credentialsKey, blob)
}

// Load returns the cached credentials. A missing entry returns false with a
// nil error; an entry that cannot be opened returns ErrSealed.
func (cc *CredentialCache) Load() (Credentials, bool, error) {
	blob, ok := cc.bucket.Get(credentialsKey)
	if !ok {
		return Credentials{}, false, nil
	}
	var s sealed
	if err := blob.Decode(&s); err != nil {
		return Credentials{}, false, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	aead, err := chacha20poly1305.NewX(cc.key)
	if err != nil {
		return Credentials{}, false, err
	}
	if len(s.Nonce) != aead.NonceSize() {
		return Credentials{}, false, fmt.Errorf("%w: bad nonce", ErrSealed)
	}
	plain, err := aead.Open(nil, s.Nonce, s.Data, []byte(credentialsKey))
	if err != nil {
		return Credentials{}, false, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	var c Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credentials{}, false, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return c, true, nil
}

// Clear forgets the cached credentials.
func (cc *CredentialCache) Clear() error {
	return cc.bucket.RemoveMany(credentialsKey)
}
