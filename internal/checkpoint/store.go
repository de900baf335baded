package checkpoint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the requested checkpoint does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a checkpoint for the same run and episode already exists.
	ErrConflict = errors.New("conflict")
)

// Record is one persisted checkpoint.
type Record struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Episode   int       `json:"episode"`
	Blob      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord encodes snap into a fresh record.
func NewRecord(runID string, episode int, snap Snapshot) Record {
	return Record{
		ID:        uuid.NewString(),
		RunID:     runID,
		Episode:   episode,
		Blob:      Encode(snap),
		CreatedAt: time.Now().UTC(),
	}
}

// Snapshot decodes the record's blob.
func (r Record) Snapshot() (Snapshot, error) {
	return Decode(r.Blob)
}

// Store captures the persistence operations the trainer relies on.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, runID string, episode int) (Record, error)
	Latest(ctx context.Context, runID string) (Record, error)
}

// MemoryStore is an in-memory Store for development/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[int]Record // runID -> episode -> record
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[int]Record)}
}

// Save inserts a record, enforcing one checkpoint per run and episode.
func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.records[rec.RunID]
	if !ok {
		run = make(map[int]Record)
		m.records[rec.RunID] = run
	}
	if _, exists := run[rec.Episode]; exists {
		return ErrConflict
	}
	rec.Blob = append([]byte(nil), rec.Blob...)
	run[rec.Episode] = rec
	return nil
}

// Load fetches the checkpoint of a run at an episode.
func (m *MemoryStore) Load(_ context.Context, runID string, episode int) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[runID][episode]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Latest returns the checkpoint with the highest episode for a run.
func (m *MemoryStore) Latest(_ context.Context, runID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run := m.records[runID]
	if len(run) == 0 {
		return Record{}, ErrNotFound
	}
	episodes := make([]int, 0, len(run))
	for ep := range run {
		episodes = append(episodes, ep)
	}
	sort.Ints(episodes)
	return run[episodes[len(episodes)-1]], nil
}
