package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facegate/internal/testutil"
)

// failingBackend lets tests break individual operations.
type failingBackend struct {
	*Memory
	loadErr   error
	insertErr error
	snapshot  *Snapshot
}

func (f *failingBackend) Load(ctx context.Context) (Snapshot, error) {
	if f.loadErr != nil {
		return Snapshot{}, f.loadErr
	}
	if f.snapshot != nil {
		return *f.snapshot, nil
	}
	return f.Memory.Load(ctx)
}

func (f *failingBackend) Insert(ctx context.Context, rec Record) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	return f.Memory.Insert(ctx, rec)
}

func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func newStore(t *testing.T, b Backend) *Store {
	t.Helper()
	s := New(b, 4, testutil.MakeNoopLogger())
	require.NoError(t, s.LoadAll(context.Background()))
	return s
}

func TestInsertDuplicateName(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemory())

	id, err := s.Insert(ctx, "Alice", []byte{0xFF, 0xD8}, unit(4, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = s.Insert(ctx, "Alice", []byte{0xFF, 0xD8}, unit(4, 1))
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = s.Insert(ctx, "  alice ", nil, unit(4, 1))
	assert.ErrorIs(t, err, ErrDuplicateName, "names are compared case-insensitively")

	records := s.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0].Name)
	assert.Equal(t, unit(4, 0), records[0].Embedding)
}

func TestInsertValidation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemory())

	_, err := s.Insert(ctx, "   ", nil, unit(4, 0))
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = s.Insert(ctx, "Bob", nil, unit(8, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.Insert(ctx, "Bob", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyEmbedding)

	assert.Equal(t, 0, s.Len())
}

func TestNameKeyNormalization(t *testing.T) {
	// precomposed vs combining accent
	assert.Equal(t, NameKey("Jos\u00e9"), NameKey("JOSE\u0301"))
	assert.Equal(t, NameKey("alice"), NameKey(" ALICE\t"))
	assert.NotEqual(t, NameKey("Ann"), NameKey("Anna"))
}

func TestSelfMatchIsTopRanked(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemory())

	_, ok := s.Match(unit(4, 0))
	assert.False(t, ok, "empty store has no match")

	query := []float32{0.2, 0.9, 0.1, 0.3}
	_, err := s.Insert(ctx, "Alice", nil, unit(4, 0))
	require.NoError(t, err)
	id, err := s.Insert(ctx, "Bob", nil, query)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "Carol", nil, []float32{0.1, 0.8, 0.5, 0.0})
	require.NoError(t, err)

	m, ok := s.Match(query)
	require.True(t, ok)
	assert.Equal(t, id, m.Record.ID)
	assert.InDelta(t, 1.0, m.Score, 1e-9)
}

func TestMatchSkipsMismatchedDimensions(t *testing.T) {
	b := &failingBackend{Memory: NewMemory(), snapshot: &Snapshot{
		Records: []Record{
			{ID: 1, Name: "Legacy", Embedding: []float32{1, 0}},
			{ID: 2, Name: "Current", Embedding: []float32{0, 1, 0, 0}},
		},
		LastID: 2,
	}}
	s := newStore(t, b)

	m, ok := s.Match([]float32{0, 1, 0, 0})
	require.True(t, ok)
	assert.Equal(t, "Current", m.Record.Name)
}

func TestLastIDAndDefaultName(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemory())

	assert.Equal(t, int64(0), s.LastID())
	assert.Equal(t, "User001", s.NextDefaultName())

	_, err := s.Insert(ctx, s.NextDefaultName(), nil, unit(4, 0))
	require.NoError(t, err)
	assert.Equal(t, "User002", s.NextDefaultName())
}

func TestLoadAllUsesPersistedHighWaterMark(t *testing.T) {
	b := &failingBackend{Memory: NewMemory(), snapshot: &Snapshot{
		Records: []Record{{ID: 3, Name: "Alice", Embedding: unit(4, 0)}},
		LastID:  7,
	}}
	s := newStore(t, b)

	assert.Equal(t, int64(7), s.LastID())
	_, err := s.Insert(context.Background(), "ALICE", nil, unit(4, 1))
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestLoadAllFailsSoft(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("disk on fire")
	b := &failingBackend{Memory: NewMemory(), loadErr: cause}
	s := New(b, 4, testutil.MakeNoopLogger())

	err := s.LoadAll(ctx)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, s.Len())

	// Still usable after the failed load
	_, err = s.Insert(ctx, "Alice", nil, unit(4, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestFailedPersistLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	b := &failingBackend{Memory: NewMemory()}
	s := newStore(t, b)

	b.insertErr = errors.New("write failed")
	_, err := s.Insert(ctx, "Alice", nil, unit(4, 0))
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.LastID())

	// Another process enrolled the same name first
	b.insertErr = ErrDuplicateName
	_, err = s.Insert(ctx, "Alice", nil, unit(4, 0))
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, 0, s.Len())
}

func TestConcurrentInsertsGetUniqueIDs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemory())

	const n = 32
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Insert(ctx, fmt.Sprintf("person-%d", i), nil, unit(4, i%4))
			assert.NoError(t, err)
			ids[i] = id
			s.Match(unit(4, 0))
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	assert.Equal(t, int64(n), s.LastID())
}

func TestClearKeepsIDsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemory())

	_, err := s.Insert(ctx, "Alice", nil, unit(4, 0))
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, 0, s.Len())

	id, err := s.Insert(ctx, "Alice", nil, unit(4, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id, "ids are never reused")

	rec, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Alice", rec.Name)
}

// slowBackend parks Insert until released.
type slowBackend struct {
	*Memory
	entered chan struct{}
	release chan struct{}
}

func (b *slowBackend) Insert(ctx context.Context, rec Record) (int64, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Memory.Insert(ctx, rec)
}

func TestMatchDoesNotWaitForPersistence(t *testing.T) {
	ctx := context.Background()
	b := &slowBackend{Memory: NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newStore(t, b)

	inserted := make(chan error, 1)
	go func() {
		_, err := s.Insert(ctx, "Alice", nil, unit(4, 0))
		inserted <- err
	}()
	<-b.entered

	matched := make(chan bool, 1)
	go func() {
		_, ok := s.Match(unit(4, 0))
		matched <- ok
	}()
	select {
	case ok := <-matched:
		assert.False(t, ok, "the record is not visible before it is durable")
	case <-time.After(2 * time.Second):
		t.Fatal("Match blocked behind a slow backend write")
	}
	assert.Equal(t, "User001", s.NextDefaultName())

	close(b.release)
	require.NoError(t, <-inserted)
	m, ok := s.Match(unit(4, 0))
	require.True(t, ok)
	assert.Equal(t, "Alice", m.Record.Name)
}
