package dedupe

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ndwlabs/ndw-gateway/internal/database"
)

// Store is a bounded membership set of recent signatures.
//
// Insertions are monotonic: once Add returns, Has observes the
// signature until eviction pushes it out as one of the oldest entries.
type Store interface {
	Has(ctx context.Context, sig string) bool
	Add(ctx context.Context, sig string)
}

// FileStore persists the signature map as a single JSON file of
// {sig: unix_seconds}. Load failures are non-fatal (treated as an
// empty store); save failures are logged, never propagated.
type FileStore struct {
	mu      sync.Mutex
	path    string
	max     int
	enabled bool
	logger  *slog.Logger
}

// NewFileStore creates a file-backed signature store.
func NewFileStore(path string, max int, enabled bool, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 200
	}
	return &FileStore{path: path, max: max, enabled: enabled, logger: logger}
}

func (s *FileStore) load() map[string]float64 {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]float64{}
	}
	var data map[string]float64
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]float64{}
	}
	return data
}

func (s *FileStore) save(data map[string]float64) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Warn("dedupe: failed to create store dir", "error", err)
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("dedupe: failed to encode store", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.logger.Warn("dedupe: failed to write store", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("dedupe: failed to replace store", "error", err)
	}
}

// Has reports whether sig was recently seen.
func (s *FileStore) Has(_ context.Context, sig string) bool {
	if !s.enabled || sig == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.load()[sig]
	return ok
}

// Add records sig, evicting the oldest entries past the cap. The entry
// just added is never evicted in the same operation.
func (s *FileStore) Add(_ context.Context, sig string) {
	if !s.enabled || sig == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.load()
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	data[sig] = now

	if over := len(data) - s.max; over > 0 {
		type entry struct {
			sig string
			ts  float64
		}
		entries := make([]entry, 0, len(data))
		for k, v := range data {
			if k == sig {
				continue
			}
			entries = append(entries, entry{k, v})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })
		if over > len(entries) {
			over = len(entries)
		}
		for _, e := range entries[:over] {
			delete(data, e.sig)
		}
	}

	s.save(data)
}

// RedisStore keeps the signature map in a Redis hash of sig -> unix
// timestamp. Contract matches FileStore; Redis errors fail open.
type RedisStore struct {
	rdb     *database.Redis
	key     string
	max     int
	enabled bool
	logger  *slog.Logger
}

// NewRedisStore creates a Redis-backed signature store.
func NewRedisStore(rdb *database.Redis, key string, max int, enabled bool, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 200
	}
	if key == "" {
		key = "ndw:dedupe:seen"
	}
	return &RedisStore{rdb: rdb, key: key, max: max, enabled: enabled, logger: logger}
}

// Has reports whether sig was recently seen.
func (s *RedisStore) Has(ctx context.Context, sig string) bool {
	if !s.enabled || sig == "" {
		return false
	}
	ok, err := s.rdb.HExists(ctx, s.key, sig)
	if err != nil {
		s.logger.Warn("dedupe: redis lookup failed", "error", err)
		return false
	}
	return ok
}

// Add records sig and evicts the oldest entries past the cap.
func (s *RedisStore) Add(ctx context.Context, sig string) {
	if !s.enabled || sig == "" {
		return
	}
	now := strconv.FormatFloat(float64(time.Now().UnixNano())/float64(time.Second), 'f', 6, 64)
	if err := s.rdb.HSet(ctx, s.key, sig, now); err != nil {
		s.logger.Warn("dedupe: redis add failed", "error", err)
		return
	}

	data, err := s.rdb.HGetAll(ctx, s.key)
	if err != nil || len(data) <= s.max {
		return
	}
	type entry struct {
		sig string
		ts  float64
	}
	entries := make([]entry, 0, len(data))
	for k, v := range data {
		if k == sig {
			continue
		}
		ts, _ := strconv.ParseFloat(v, 64)
		entries = append(entries, entry{k, ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })
	over := len(data) - s.max
	if over > len(entries) {
		over = len(entries)
	}
	fields := make([]string, 0, over)
	for _, e := range entries[:over] {
		fields = append(fields, e.sig)
	}
	if len(fields) > 0 {
		if err := s.rdb.HDel(ctx, s.key, fields...); err != nil {
			s.logger.Warn("dedupe: redis eviction failed", "error", err)
		}
	}
}
