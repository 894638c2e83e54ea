// Package auth keeps the credential store used by the chat server to register
// accounts and verify LOGIN attempts.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrUsernameTaken is returned by Register when the username already exists.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidCredentials is returned by Verify for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrInvalidInput is returned when the username or password is empty.
	ErrInvalidInput = errors.New("username and password are required")
)

const saltLen = 16

// User is a registered account. Digest and Salt never leave the package
// through the public API.
type User struct {
	Username  string
	Digest    []byte
	Salt      []byte
	CreatedAt time.Time
}

// Argon2Params controls the cost of the password digest.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2Params are the argon2id parameters recommended by RFC 9106
// for memory-constrained deployments.
var DefaultArgon2Params = Argon2Params{
	Time:    1,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
}

// Option configures a Store.
type Option func(*Store)

// WithArgon2Params overrides the digest cost.
func WithArgon2Params(p Argon2Params) Option {
	return func(s *Store) { s.params = p }
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRandom overrides the salt source.
func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.random = r }
}

// Store is an in-memory credential store safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	users map[string]*User

	params    Argon2Params
	now       func() time.Time
	random    io.Reader
	dummySalt []byte
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		users:  make(map[string]*User),
		params: DefaultArgon2Params,
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dummySalt = make([]byte, saltLen)
	return s
}

// Register creates a new account with a fresh random salt.
func (s *Store) Register(username, password string) (*User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, ErrInvalidInput
	}

	s.mu.RLock()
	_, exists := s.users[username]
	s.mu.RUnlock()
	if exists {
		return nil, ErrUsernameTaken
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(s.random, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	user := &User{
		Username:  username,
		Digest:    s.digest(password, salt),
		Salt:      salt,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent Register may have won while the digest was computed.
	if _, exists := s.users[username]; exists {
		return nil, ErrUsernameTaken
	}
	s.users[username] = user

	return &User{Username: user.Username, CreatedAt: user.CreatedAt}, nil
}

// Verify checks a username/password pair.
func (s *Store) Verify(username, password string) error {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		// Spend the same work as a real check.
		_ = s.digest(password, s.dummySalt)
		return ErrInvalidCredentials
	}

	if subtle.ConstantTimeCompare(s.digest(password, user.Salt), user.Digest) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// Count returns the number of registered users.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Store) digest(password string, salt []byte) []byte {
	p := s.params
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}
