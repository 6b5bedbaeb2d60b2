// Package corpus keeps the programs a campaign has found interesting.
//
// Store is the in-memory, content-addressed set shared by all workers. Dir
// mirrors a Store on disk and Watcher imports programs dropped into the
// directory by other processes.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// Entry is an immutable corpus member.
type Entry struct {
	Hash    string
	Program *ir.Program
	Data    []byte
	Added   time.Time
	Source  string
}

// HashOf returns the content address of an encoded program.
func HashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is a concurrency-safe content-addressed program set.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Add inserts p unless an identical program is already present. The store
// keeps its own copy.
func (s *Store) Add(p *ir.Program, source string) (*Entry, bool, error) {
	data, err := ir.MarshalProgram(p)
	if err != nil {
		return nil, false, err
	}

	e, added := s.add(p.Clone(), data, source)

	return e, added, nil
}

// AddEncoded inserts an already encoded program.
func (s *Store) AddEncoded(data []byte, source string) (*Entry, bool, error) {
	p, err := ir.UnmarshalProgram(data)
	if err != nil {
		return nil, false, err
	}

	e, added := s.add(p, append([]byte(nil), data...), source)

	return e, added, nil
}

func (s *Store) add(p *ir.Program, data []byte, source string) (*Entry, bool) {
	h := HashOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[h]; ok {
		return e, false
	}

	e := &Entry{Hash: h, Program: p, Data: data, Added: time.Now(), Source: source}
	s.entries[h] = e
	s.order = append(s.order, h)

	return e, true
}

// Has reports whether a program with the given hash is stored.
func (s *Store) Has(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[hash]

	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}

// Pick returns a clone of a uniformly chosen program, or nil when empty.
func (s *Store) Pick(r *rand.Rand) *ir.Program {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return nil
	}

	return s.entries[s.order[r.Intn(len(s.order))]].Program.Clone()
}

// Entries returns the members sorted by hash.
func (s *Store) Entries() []*Entry {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })

	return out
}
