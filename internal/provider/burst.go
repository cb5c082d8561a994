package provider

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

// ArrayScanner incrementally parses a streamed JSON array of objects.
// Callers feed arbitrary text chunks; each completed top-level object
// is decoded and returned as soon as its closing brace arrives. State
// carries across chunks, so objects may be split anywhere.
type ArrayScanner struct {
	buf   []byte
	pos   int
	depth int
	start int
	inStr bool
	esc   bool
}

// NewArrayScanner creates a scanner ready for the first chunk.
func NewArrayScanner() *ArrayScanner {
	return &ArrayScanner{start: -1}
}

// Feed appends chunk to the buffer and returns every object completed
// by it. Objects that fail to decode are skipped.
func (s *ArrayScanner) Feed(chunk string) []map[string]any {
	s.buf = append(s.buf, chunk...)

	var out []map[string]any
	for ; s.pos < len(s.buf); s.pos++ {
		ch := s.buf[s.pos]
		if ch == '"' && !s.esc {
			s.inStr = !s.inStr
		}
		if s.inStr {
			s.esc = ch == '\\' && !s.esc
			continue
		}
		s.esc = false

		switch ch {
		case '{':
			if s.depth == 0 {
				s.start = s.pos
			}
			s.depth++
		case '}':
			if s.depth == 0 {
				continue
			}
			s.depth--
			if s.depth == 0 && s.start != -1 {
				var obj map[string]any
				if err := json.Unmarshal(s.buf[s.start:s.pos+1], &obj); err == nil {
					out = append(out, obj)
				}
				s.start = -1
			}
		}
	}

	// Between objects nothing before pos can matter again.
	if s.depth == 0 && s.start == -1 {
		s.buf = s.buf[:0]
		s.pos = 0
	}
	return out
}

// GenerateBurstWithFallback streams documents from the first provider
// whose burst produces anything. A provider with an empty or failed
// stream is passed over, and providers without burst support
// contribute a single document via plain generation. The channel is
// closed when max documents were sent or all providers are exhausted.
func GenerateBurstWithFallback(ctx context.Context, providers []Provider, brief string, seed int64, categoryNote string, max int, logger *slog.Logger) <-chan *models.Doc {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 10
	}

	out := make(chan *models.Doc)
	go func() {
		defer close(out)
		for _, p := range providers {
			if !p.Credentialed() {
				continue
			}

			if bp, ok := p.(Burster); ok {
				sent := 0
				for doc := range bp.GenerateBurst(ctx, brief, seed, max) {
					select {
					case out <- doc:
						sent++
					case <-ctx.Done():
						return
					}
					if sent >= max {
						return
					}
				}
				if sent > 0 {
					return
				}
				logger.Warn("burst: empty stream, trying next provider", "provider", p.Name())
				continue
			}

			doc, err := p.GeneratePage(ctx, brief, seed, categoryNote)
			if err != nil || doc == nil {
				logger.Warn("burst: single-generate fallback failed", "provider", p.Name(), "error", err)
				continue
			}
			select {
			case out <- doc:
			case <-ctx.Done():
			}
			return
		}
	}()
	return out
}
