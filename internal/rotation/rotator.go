// Package rotation steers prompt variety by cycling every caller
// through five fixed creative categories.
package rotation

import "sync"

// Category pairs a short slug with the multi-line prompt directive
// inserted verbatim into generation prompts.
type Category struct {
	Slug      string
	Directive string
}

// Categories is the fixed rotation order. Index N of a caller's cursor
// maps to Categories[N % len(Categories)].
var Categories = []Category{
	{
		Slug: "web-toy",
		Directive: "CATEGORY: WEB TOY\n" +
			"Build a small playful web toy: something the visitor pokes, drags, or clicks just for the joy of it.\n" +
			"No score, no goal. Immediate visual or audio feedback on every interaction.\n" +
			"Think fidget gadgets, particle sandboxes, springy physics, generative doodads.",
	},
	{
		Slug: "utility-tool",
		Directive: "CATEGORY: UTILITY TOOL\n" +
			"Build a genuinely useful single-purpose tool: a converter, calculator, formatter, timer, or picker.\n" +
			"Inputs validate as the visitor types and results update live without a submit button.\n" +
			"Keep the layout dense and practical; the tool is the whole page.",
	},
	{
		Slug: "playable-game",
		Directive: "CATEGORY: PLAYABLE GAME\n" +
			"Build a tiny complete game: playable in under a minute, with a clear goal, a score or win state, and a restart.\n" +
			"Keyboard or pointer controls must be explained on screen in one short line.\n" +
			"Arcade loops, puzzles, and reaction tests all qualify; unfinished mechanics do not.",
	},
	{
		Slug: "interactive-art",
		Directive: "CATEGORY: INTERACTIVE ART\n" +
			"Build an expressive visual piece the visitor influences: cursor position, clicks, or time should reshape the scene.\n" +
			"Favor canvas or CSS-driven motion, bold palettes, and slow ambient evolution when idle.\n" +
			"There is no task to complete; the page is the artwork.",
	},
	{
		Slug: "quiz",
		Directive: "CATEGORY: QUIZ\n" +
			"Build a short self-contained quiz or personality test: 4 to 8 questions, one visible at a time.\n" +
			"Show progress, score or verdict at the end, and a restart control.\n" +
			"Write the questions yourself on a concrete, entertaining theme; no placeholder text.",
	},
}

const (
	globalKey      = "__global__"
	cursorMapLimit = 4096
	cursorMapKeep  = 2048
)

// Rotator hands out category directives round-robin, with an
// independent cursor per caller key.
type Rotator struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRotator creates a rotator with all cursors at the first category.
func NewRotator() *Rotator {
	return &Rotator{cursors: make(map[string]int)}
}

// Next returns the next category for userKey and advances its cursor.
// Empty keys share the global cursor.
func (r *Rotator) Next(userKey string) Category {
	if userKey == "" {
		userKey = globalKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.cursors[userKey] % len(Categories)
	r.cursors[userKey] = idx + 1

	if len(r.cursors) > cursorMapLimit {
		r.evictLocked(userKey)
	}
	return Categories[idx]
}

// evictLocked discards cursors other than keep until the map is back
// under cursorMapKeep entries. Which callers lose their position is
// arbitrary; they simply restart the cycle.
func (r *Rotator) evictLocked(keep string) {
	for k := range r.cursors {
		if len(r.cursors) <= cursorMapKeep {
			break
		}
		if k == keep {
			continue
		}
		delete(r.cursors, k)
	}
}
