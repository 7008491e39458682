package auth

import (
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a plaintext depositor key using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Credentials maps depositor addresses to bcrypt hashes of their API keys.
type Credentials struct {
	mu     sync.RWMutex
	hashes map[common.Address]string
}

func NewCredentials() *Credentials {
	return &Credentials{hashes: make(map[common.Address]string)}
}

// Add registers a bcrypt hash for depositor, replacing any previous one.
func (c *Credentials) Add(depositor common.Address, hash string) error {
	hash = strings.TrimSpace(hash)
	if depositor == (common.Address{}) || hash == "" {
		return errors.New("depositor and key hash are required")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return errors.New("key hash is not bcrypt")
	}
	c.mu.Lock()
	c.hashes[depositor] = hash
	c.mu.Unlock()
	return nil
}

// Len is the number of registered depositors.
func (c *Credentials) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes)
}

// Authenticate checks key against the hash registered for depositor.
func (c *Credentials) Authenticate(depositor common.Address, key string) error {
	c.mu.RLock()
	hash, ok := c.hashes[depositor]
	c.mu.RUnlock()
	if !ok {
		return ErrUnauthorized
	}
	if err := VerifyPassword(hash, key); err != nil {
		return ErrUnauthorized
	}
	return nil
}
