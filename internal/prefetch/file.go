package prefetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ndwlabs/ndw-gateway/internal/dedupe"
	"github.com/ndwlabs/ndw-gateway/internal/models"
)

// FileQueue stores one JSON document per file under a single directory.
// Filenames are "<nanos>-<8 hex>.json" so lexicographic-by-nanos order
// is enqueue order, and a claim is a rename, which the filesystem makes
// atomic. Multiple processes can share the directory safely.
type FileQueue struct {
	dir    string
	seen   dedupe.Store
	signer *TokenSigner
	logger *slog.Logger
}

// NewFileQueue creates a directory-backed prefetch queue.
func NewFileQueue(dir string, seen dedupe.Store, signer *TokenSigner, logger *slog.Logger) (*FileQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create prefetch dir: %w", err)
	}
	return &FileQueue{dir: dir, seen: seen, signer: signer, logger: logger}, nil
}

// Dir returns the backing directory.
func (q *FileQueue) Dir() string { return q.dir }

func newRecordID() string {
	return fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
}

func recordNanos(name string) int64 {
	dash := strings.IndexByte(name, '-')
	if dash < 0 {
		return 0
	}
	n, _ := strconv.ParseInt(name[:dash], 10, 64)
	return n
}

// list returns queued record filenames, oldest first.
func (q *FileQueue) list() []string {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Slice(names, func(i, j int) bool {
		ni, nj := recordNanos(names[i]), recordNanos(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
	return names
}

func (q *FileQueue) read(name string) (*models.Doc, error) {
	raw, err := os.ReadFile(filepath.Join(q.dir, name))
	if err != nil {
		return nil, err
	}
	var d models.Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (q *FileQueue) write(name string, doc *models.Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	path := filepath.Join(q.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Enqueue writes a new record unless the document's signature was
// recently seen while the queue still has other records to serve.
func (q *FileQueue) Enqueue(ctx context.Context, doc *models.Doc) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("nil document")
	}
	if doc.CreatedAt == 0 {
		doc.CreatedAt = time.Now().Unix()
	}

	sig := dedupe.Signature(doc)
	if sig != "" && q.seen != nil && q.seen.Has(ctx, sig) {
		if len(q.list()) > 0 {
			q.logger.Info("prefetch: refused duplicate document", "sig", sig[:12])
			return "", nil
		}
		q.logger.Info("prefetch: accepting duplicate into empty queue", "sig", sig[:12])
	}

	name := newRecordID()
	if err := q.write(name, doc); err != nil {
		return "", fmt.Errorf("write prefetch record: %w", err)
	}
	if sig != "" && q.seen != nil {
		q.seen.Add(ctx, sig)
	}
	return name, nil
}

// Dequeue claims the oldest record by renaming it out of the listing
// namespace, then reads and deletes it. Records another consumer
// claimed first are skipped; unparseable records are dropped.
func (q *FileQueue) Dequeue(_ context.Context) (*models.Doc, error) {
	for {
		names := q.list()
		if len(names) == 0 {
			return nil, nil
		}

		claimed := false
		for _, name := range names {
			src := filepath.Join(q.dir, name)
			claim := src + ".claim-" + uuid.NewString()[:8]
			if err := os.Rename(src, claim); err != nil {
				continue
			}
			claimed = true

			raw, err := os.ReadFile(claim)
			os.Remove(claim)
			if err != nil {
				q.logger.Warn("prefetch: dropping unreadable record", "record", name, "error", err)
				break
			}
			var d models.Doc
			if err := json.Unmarshal(raw, &d); err != nil {
				q.logger.Warn("prefetch: dropping corrupt record", "record", name, "error", err)
				break
			}
			return &d, nil
		}
		if !claimed {
			return nil, nil
		}
	}
}

// Size counts queued records.
func (q *FileQueue) Size(_ context.Context) int {
	return len(q.list())
}

// Previews returns up to n previews, oldest first.
func (q *FileQueue) Previews(_ context.Context, n int) []Preview {
	names := q.list()
	if n > 0 && len(names) > n {
		names = names[:n]
	}
	previews := make([]Preview, 0, len(names))
	for _, name := range names {
		d, err := q.read(name)
		if err != nil {
			continue
		}
		previews = append(previews, Preview{
			ID:        q.signer.Sign("file", name),
			Title:     d.PreviewTitle(),
			Category:  d.Category,
			Vibe:      d.Vibe,
			CreatedAt: d.CreatedAt,
		})
	}
	return previews
}

// Take consumes the record named by a valid token.
func (q *FileQueue) Take(_ context.Context, token string) (*models.Doc, error) {
	kind, name, err := q.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if kind != "file" || !strings.HasSuffix(name, ".json") {
		return nil, ErrTokenInvalid
	}

	src := filepath.Join(q.dir, name)
	claim := src + ".claim-" + uuid.NewString()[:8]
	if err := os.Rename(src, claim); err != nil {
		return nil, nil
	}
	raw, err := os.ReadFile(claim)
	os.Remove(claim)
	if err != nil {
		return nil, nil
	}
	var d models.Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		q.logger.Warn("prefetch: taken record is corrupt", "record", name, "error", err)
		return nil, nil
	}
	return &d, nil
}

// IDs lists record filenames, oldest first.
func (q *FileQueue) IDs(_ context.Context) []string {
	return q.list()
}

// Load reads one record without consuming it.
func (q *FileQueue) Load(_ context.Context, id string) (*models.Doc, error) {
	if !strings.HasSuffix(id, ".json") || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("invalid record id %q", id)
	}
	return q.read(id)
}

// Replace overwrites a record in place.
func (q *FileQueue) Replace(_ context.Context, id string, doc *models.Doc) error {
	if !strings.HasSuffix(id, ".json") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid record id %q", id)
	}
	return q.write(id, doc)
}

// Remove deletes a record. Removing an already-gone record is not an
// error.
func (q *FileQueue) Remove(_ context.Context, id string) error {
	if !strings.HasSuffix(id, ".json") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid record id %q", id)
	}
	err := os.Remove(filepath.Join(q.dir, id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
