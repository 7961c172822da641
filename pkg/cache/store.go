// Package cache persists the latest known record of every meeting so the
// client keeps working when the transcription service cannot be reached.
//
// The whole cache is one versioned JSON document stored under a single key
// of a BlobStore. Every mutation reads the document, changes it and writes
// it back while holding the store's mutex. Storage problems never reach the
// caller: unreadable documents behave like an empty cache and failed writes
// are logged and dropped.
package cache

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
	"github.com/otherjamesbrown/scribe-cli/pkg/observability"
)

// DefaultKey is the blob key the meetings document is stored under.
const DefaultKey = "scribe.meetings"

// schemaVersion is bumped whenever the document layout changes. Documents
// with another version are discarded.
const schemaVersion = 1

// ErrQuotaExceeded is returned by size-capped blob stores when a value does
// not fit.
var ErrQuotaExceeded = errors.New("cache storage quota exceeded")

// BlobStore is a synchronous string-keyed value store.
type BlobStore interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

type document struct {
	Version   int                       `json:"version"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Meetings  map[string]meeting.Record `json:"meetings"`
}

// Options configures a Store.
type Options struct {
	// Key overrides DefaultKey.
	Key     string
	Logger  logging.Logger
	Metrics *observability.Metrics
}

// Store is the id -> record cache.
type Store struct {
	mu      sync.Mutex
	blobs   BlobStore
	key     string
	logger  logging.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewStore creates a cache over blobs.
func NewStore(blobs BlobStore, opts Options) *Store {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		blobs:   blobs,
		key:     key,
		logger:  logging.OrNop(opts.Logger).With(logging.F("component", "cache")),
		metrics: observability.OrDiscard(opts.Metrics),
		now:     time.Now,
	}
}

// Get returns the cached record for id.
func (s *Store) Get(id string) (meeting.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.load()[id]
	return rec, ok
}

// GetAll returns a copy of every cached record keyed by id.
func (s *Store) GetAll() map[string]meeting.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load()
}

// List returns every cached record, newest first.
func (s *Store) List() []meeting.Record {
	all := s.GetAll()
	out := make([]meeting.Record, 0, len(all))
	for _, rec := range all {
		out = append(out, rec)
	}
	SortNewestFirst(out)
	return out
}

// IDs returns the cached ids in lexical order.
func (s *Store) IDs() []string {
	all := s.GetAll()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Put stores rec, replacing any previous record with the same id.
func (s *Store) Put(rec meeting.Record) {
	s.PutMany([]meeting.Record{rec})
}

// PutMany stores every record in one write.
func (s *Store) PutMany(recs []meeting.Record) {
	if len(recs) == 0 {
		return
	}
	s.update(func(m map[string]meeting.Record) bool {
		changed := false
		for _, rec := range recs {
			if rec.ID == "" {
				s.logger.Warn("Refusing to cache record without id")
				continue
			}
			m[rec.ID] = rec
			changed = true
		}
		return changed
	})
}

// Remove deletes the record for id.
func (s *Store) Remove(id string) {
	s.RemoveMany([]string{id})
}

// RemoveMany deletes the records for ids in one write.
func (s *Store) RemoveMany(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.update(func(m map[string]meeting.Record) bool {
		changed := false
		for _, id := range ids {
			if _, ok := m[id]; ok {
				delete(m, id)
				changed = true
			}
		}
		return changed
	})
}

// Clear drops the whole cache.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.blobs.Remove(s.key); err != nil {
		s.writeFailed("clear", err)
	}
}

// update applies fn to the current contents and persists the result when
// fn reports a change. The read and the write happen under one lock.
func (s *Store) update(fn func(map[string]meeting.Record) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.load()
	if !fn(m) {
		return
	}
	s.save(m)
}

func (s *Store) load() map[string]meeting.Record {
	empty := make(map[string]meeting.Record)

	data, ok, err := s.blobs.Get(s.key)
	if err != nil {
		s.logger.Warn("Cache unreadable, continuing with an empty cache", logging.Err(err))
		return empty
	}
	if !ok || data == "" {
		return empty
	}

	var doc document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		s.logger.Warn("Cache corrupt, continuing with an empty cache", logging.Err(err))
		return empty
	}
	if doc.Version != schemaVersion {
		s.logger.Warn("Cache written by another version, ignoring it",
			logging.F("version", doc.Version))
		return empty
	}

	for id, rec := range doc.Meetings {
		if rec.ID != id || !rec.Status.Valid() {
			s.logger.Warn("Dropping malformed cache entry", logging.F("meeting_id", id))
			delete(doc.Meetings, id)
		}
	}
	if doc.Meetings == nil {
		return empty
	}
	return doc.Meetings
}

func (s *Store) save(m map[string]meeting.Record) {
	data, err := json.Marshal(document{
		Version:   schemaVersion,
		UpdatedAt: s.now().UTC(),
		Meetings:  m,
	})
	if err != nil {
		s.writeFailed("encode", err)
		return
	}
	if err := s.blobs.Set(s.key, string(data)); err != nil {
		reason := "write"
		if errors.Is(err, ErrQuotaExceeded) {
			reason = "quota"
		}
		s.writeFailed(reason, err)
	}
}

func (s *Store) writeFailed(reason string, err error) {
	s.metrics.CacheWriteFailuresTotal.WithLabelValues(reason).Inc()
	s.logger.Warn("Cache write failed", logging.F("reason", reason), logging.Err(err))
}

// SortNewestFirst orders records by creation time, newest first, breaking
// ties by id.
func SortNewestFirst(recs []meeting.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
