package store

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// UserStore verifies credentials for the login and register forms.
type UserStore interface {
	// Verify checks name/password when login is true, and registers a new
	// user otherwise. It reports whether the operation succeeded.
	Verify(name, password string, login bool) bool
}

// MemoryStore keeps bcrypt password hashes in memory.
type MemoryStore struct {
	cost  int
	mu    sync.RWMutex
	users map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreCost(bcrypt.DefaultCost)
}

// NewMemoryStoreCost is NewMemoryStore with an explicit bcrypt cost.
// Costs outside bcrypt's range fall back to the default.
func NewMemoryStoreCost(cost int) *MemoryStore {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &MemoryStore{cost: cost, users: make(map[string][]byte)}
}

func (s *MemoryStore) Verify(name, password string, login bool) bool {
	if name == "" || password == "" {
		return false
	}

	if login {
		s.mu.RLock()
		hash, ok := s.users[name]
		s.mu.RUnlock()
		return ok && bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
	}

	// hashing is slow, keep it outside the lock
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[name]; exists {
		return false
	}
	s.users[name] = hash
	return true
}

// Len returns the number of registered users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Load registers users from "name:password" lines. Blank lines and lines
// starting with '#' are skipped.
func (s *MemoryStore) Load(r io.Reader) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, password, ok := strings.Cut(text, ":")
		if !ok {
			return fmt.Errorf("store: line %d: want name:password", line)
		}
		if !s.Verify(strings.TrimSpace(name), strings.TrimSpace(password), false) {
			return fmt.Errorf("store: line %d: cannot register %q", line, name)
		}
	}
	return sc.Err()
}
