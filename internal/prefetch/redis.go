package prefetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndwlabs/ndw-gateway/internal/database"
	"github.com/ndwlabs/ndw-gateway/internal/dedupe"
	"github.com/ndwlabs/ndw-gateway/internal/models"
	"github.com/ndwlabs/ndw-gateway/internal/pkg/ulid"
)

const (
	redisListKey   = "ndw:prefetch:queue"
	redisDocPrefix = "ndw:prefetch:doc:"
)

// RedisQueue keeps enqueue order in a Redis list of record ids and each
// document under its own key. LPOP gives the same single-consumer claim
// guarantee the file backend gets from rename.
type RedisQueue struct {
	rdb    *database.Redis
	seen   dedupe.Store
	signer *TokenSigner
	logger *slog.Logger
}

// NewRedisQueue creates a Redis-backed prefetch queue.
func NewRedisQueue(rdb *database.Redis, seen dedupe.Store, signer *TokenSigner, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{rdb: rdb, seen: seen, signer: signer, logger: logger}
}

// Dir describes the backing location for diagnostics.
func (q *RedisQueue) Dir() string { return "redis:" + redisListKey }

func docKey(id string) string { return redisDocPrefix + id }

func (q *RedisQueue) load(ctx context.Context, id string) (*models.Doc, error) {
	raw, err := q.rdb.Get(ctx, docKey(id))
	if err != nil {
		return nil, err
	}
	var d models.Doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Enqueue stores the document and appends its id to the order list.
func (q *RedisQueue) Enqueue(ctx context.Context, doc *models.Doc) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("nil document")
	}
	if doc.CreatedAt == 0 {
		doc.CreatedAt = time.Now().Unix()
	}

	sig := dedupe.Signature(doc)
	if sig != "" && q.seen != nil && q.seen.Has(ctx, sig) {
		if q.Size(ctx) > 0 {
			q.logger.Info("prefetch: refused duplicate document", "sig", sig[:12])
			return "", nil
		}
		q.logger.Info("prefetch: accepting duplicate into empty queue", "sig", sig[:12])
	}

	id := ulid.New()
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode prefetch record: %w", err)
	}
	if err := q.rdb.Set(ctx, docKey(id), string(raw), 0); err != nil {
		return "", fmt.Errorf("store prefetch record: %w", err)
	}
	if err := q.rdb.RPush(ctx, redisListKey, id); err != nil {
		q.rdb.Delete(ctx, docKey(id))
		return "", fmt.Errorf("queue prefetch record: %w", err)
	}
	if sig != "" && q.seen != nil {
		q.seen.Add(ctx, sig)
	}
	return id, nil
}

// Dequeue pops the head id and resolves its document. Ids whose
// document is missing or corrupt are dropped and the next head tried.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Doc, error) {
	for {
		id, err := q.rdb.LPop(ctx, redisListKey)
		if err != nil {
			if database.IsNil(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("pop prefetch queue: %w", err)
		}
		d, err := q.load(ctx, id)
		q.rdb.Delete(ctx, docKey(id))
		if err != nil {
			q.logger.Warn("prefetch: dropping corrupt record", "record", id, "error", err)
			continue
		}
		return d, nil
	}
}

// Size reports the list length.
func (q *RedisQueue) Size(ctx context.Context) int {
	n, err := q.rdb.LLen(ctx, redisListKey)
	if err != nil {
		return 0
	}
	return int(n)
}

// Previews returns up to n previews, oldest first.
func (q *RedisQueue) Previews(ctx context.Context, n int) []Preview {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n) - 1
	}
	ids, err := q.rdb.LRange(ctx, redisListKey, 0, stop)
	if err != nil {
		return nil
	}
	previews := make([]Preview, 0, len(ids))
	for _, id := range ids {
		d, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		previews = append(previews, Preview{
			ID:        q.signer.Sign("redis", id),
			Title:     d.PreviewTitle(),
			Category:  d.Category,
			Vibe:      d.Vibe,
			CreatedAt: d.CreatedAt,
		})
	}
	return previews
}

// Take consumes the record named by a valid token.
func (q *RedisQueue) Take(ctx context.Context, token string) (*models.Doc, error) {
	kind, id, err := q.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if kind != "redis" {
		return nil, ErrTokenInvalid
	}

	removed, err := q.rdb.LRem(ctx, redisListKey, 1, id)
	if err != nil || removed == 0 {
		return nil, nil
	}
	d, loadErr := q.load(ctx, id)
	q.rdb.Delete(ctx, docKey(id))
	if loadErr != nil {
		q.logger.Warn("prefetch: taken record is corrupt", "record", id, "error", loadErr)
		return nil, nil
	}
	return d, nil
}

// IDs lists record ids in enqueue order.
func (q *RedisQueue) IDs(ctx context.Context) []string {
	ids, err := q.rdb.LRange(ctx, redisListKey, 0, -1)
	if err != nil {
		return nil
	}
	return ids
}

// Load reads one record without consuming it.
func (q *RedisQueue) Load(ctx context.Context, id string) (*models.Doc, error) {
	return q.load(ctx, id)
}

// Replace overwrites a record in place.
func (q *RedisQueue) Replace(ctx context.Context, id string, doc *models.Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, docKey(id), string(raw), 0)
}

// Remove deletes a record and its order entry.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	if _, err := q.rdb.LRem(ctx, redisListKey, 1, id); err != nil {
		return err
	}
	return q.rdb.Delete(ctx, docKey(id))
}
