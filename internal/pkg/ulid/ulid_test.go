package ulid

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsValidAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		assert.True(t, IsValid(id), id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestNewIsMonotonic(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = New()
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New()
	after := time.Now().Add(time.Second)

	ts, err := Time(id)
	require.NoError(t, err)
	assert.True(t, ts.After(before) && ts.Before(after))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-ulid")
	assert.Error(t, err)
	assert.False(t, IsValid(""))
}
