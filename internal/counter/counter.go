// Package counter tracks the global number of served documents, in
// Redis when available with a JSON file as mirror and fallback.
package counter

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ndwlabs/ndw-gateway/internal/database"
)

// Counter is a monotonically increasing total of served documents.
// With Redis configured the INCR result is authoritative and the file
// is a best-effort mirror; without it the file is the source of truth.
type Counter struct {
	mu     sync.Mutex
	rdb    *database.Redis
	key    string
	file   string
	logger *slog.Logger
}

// New creates a counter. rdb may be nil for file-only operation.
func New(rdb *database.Redis, key, file string, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	if key == "" {
		key = "ndw:metrics:total"
	}
	return &Counter{rdb: rdb, key: key, file: file, logger: logger}
}

type fileState struct {
	Total int64 `json:"total"`
}

func (c *Counter) readFile() int64 {
	raw, err := os.ReadFile(c.file)
	if err != nil {
		return 0
	}
	var st fileState
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0
	}
	return st.Total
}

func (c *Counter) writeFile(total int64) {
	if c.file == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.file), 0o755); err != nil {
		c.logger.Warn("counter: failed to create dir", "error", err)
		return
	}
	raw, _ := json.Marshal(fileState{Total: total})
	tmp := c.file + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		c.logger.Warn("counter: failed to write mirror", "error", err)
		return
	}
	if err := os.Rename(tmp, c.file); err != nil {
		c.logger.Warn("counter: failed to replace mirror", "error", err)
	}
}

// Increment bumps the total and returns the new value.
func (c *Counter) Increment(ctx context.Context) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rdb != nil {
		total, err := c.rdb.IncrBy(ctx, c.key, 1)
		if err == nil {
			c.writeFile(total)
			return total
		}
		c.logger.Warn("counter: redis increment failed, using file", "error", err)
	}

	total := c.readFile() + 1
	c.writeFile(total)
	return total
}

// Total reads the current value without changing it.
func (c *Counter) Total(ctx context.Context) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, c.key)
		if err == nil {
			if total, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				return total
			}
		} else if !database.IsNil(err) {
			c.logger.Warn("counter: redis read failed, using file", "error", err)
		}
	}
	return c.readFile()
}
