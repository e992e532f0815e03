package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/utils"
)

var (
	ErrDuplicateName     = errors.New("display name already enrolled")
	ErrEmptyName         = errors.New("display name is empty")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyEmbedding    = errors.New("embedding is empty")
)

// LoadError reports that persisted identities could not be read. The store is left empty
// but usable, so callers surface it as a warning.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return "load identities: " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// Record is one enrolled identity.
type Record struct {
	ID        int64
	Name      string
	Image     []byte // JPEG face crop
	Embedding []float32
	CreatedAt time.Time
}

// Snapshot is everything a backend persisted.
type Snapshot struct {
	Records []Record // ascending id
	LastID  int64    // high-water mark, survives Clear
}

// Backend is durable storage for identities.
type Backend interface {
	// Load returns all records in insertion order.
	Load(ctx context.Context) (Snapshot, error)
	// Insert assigns the next id, persists the record and returns the id.
	// A name whose NameKey already exists yields ErrDuplicateName.
	Insert(ctx context.Context, rec Record) (int64, error)
	// Clear removes all records but keeps the id high-water mark.
	Clear(ctx context.Context) error
	Close() error
}

// Match is the best scoring record for a query embedding.
type Match struct {
	Record Record
	Score  float64 // cosine similarity
}

// Store is the in-memory working set of identities mirrored to a Backend.
// Reads and writes are safe for concurrent use. Writers are serialized by writeMu and
// only take mu to publish their result, so Match never waits on backend I/O.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	backend Backend
	dim     int
	log     *logger.Logger
	records []Record
	byKey   map[string]int64
	lastID  int64
}

// New creates an empty Store. dim is the expected embedding length; 0 accepts any.
func New(backend Backend, dim int, log *logger.Logger) *Store {
	return &Store{
		backend: backend,
		dim:     dim,
		log:     log,
		byKey:   make(map[string]int64),
	}
}

var folder = cases.Fold()

// NameKey is the uniqueness key for display names: trimmed, NFC normalized, case folded.
func NameKey(name string) string {
	return folder.String(norm.NFC.String(strings.TrimSpace(name)))
}

// LoadAll replaces the working set with the backend's contents. On failure the working set
// is emptied and a *LoadError is returned.
func (s *Store) LoadAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := s.backend.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.byKey = make(map[string]int64)
	s.lastID = 0

	if err != nil {
		s.log.Warn("identity store unavailable, starting empty", "error", err)
		return &LoadError{Err: err}
	}

	for _, rec := range snap.Records {
		s.records = append(s.records, rec)
		s.byKey[NameKey(rec.Name)] = rec.ID
		s.lastID = max(s.lastID, rec.ID)
	}
	s.lastID = max(s.lastID, snap.LastID)
	s.log.Debug("identities loaded", "count", len(s.records), "last_id", s.lastID)
	return nil
}

// Insert enrolls a new identity. The record is durable before Insert returns.
func (s *Store) Insert(ctx context.Context, name string, image []byte, embedding []float32) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrEmptyName
	}
	if len(embedding) == 0 {
		return 0, ErrEmptyEmbedding
	}
	if s.dim > 0 && len(embedding) != s.dim {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.dim)
	}
	key := NameKey(name)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, exists := s.byKey[key]
	s.mu.RUnlock()
	if exists {
		return 0, ErrDuplicateName
	}

	rec := Record{
		Name:      name,
		Image:     append([]byte(nil), image...),
		Embedding: append([]float32(nil), embedding...),
		CreatedAt: time.Now().UTC(),
	}
	id, err := s.backend.Insert(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return 0, ErrDuplicateName
		}
		return 0, fmt.Errorf("persist identity: %w", err)
	}

	rec.ID = id
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.byKey[key] = id
	s.lastID = max(s.lastID, id)
	s.mu.Unlock()
	s.log.Info("identity enrolled", "id", id, "name", name)
	return id, nil
}

// Match scans every record and returns the most similar one.
// Records whose embedding length differs from the query are skipped.
func (s *Store) Match(embedding []float32) (Match, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best Match
	found := false
	for _, rec := range s.records {
		if len(rec.Embedding) != len(embedding) {
			continue
		}
		score := utils.CosineSimilarity(embedding, rec.Embedding)
		if !found || score > best.Score {
			best = Match{Record: rec, Score: score}
			found = true
		}
	}
	return best, found
}

// LastID is the highest id ever assigned, or 0. Only a hint for default names.
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID
}

// NextDefaultName suggests a display name for the next enrollment, e.g. "User004".
func (s *Store) NextDefaultName() string {
	return fmt.Sprintf("User%03d", s.LastID()+1)
}

// Records returns a copy of the working set in insertion order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

// Get returns the record with the given id.
func (s *Store) Get(id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear deletes every identity. Ids are never reused afterwards.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clear identities: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.byKey = make(map[string]int64)
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
