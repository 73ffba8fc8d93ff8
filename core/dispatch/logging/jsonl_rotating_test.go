package logging

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingJSONLStore_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycles.jsonl")
	s, err := NewRotatingJSONLStore(path, 1, 2, 1)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	rec := CycleRecord{RunID: "r", Timestamp: time.Now(), Outcome: "completed",
		FailedAssignments: []string{strings.Repeat("x", 4096)}}
	for i := 0; i < 400; i++ {
		require.NoError(t, s.Append(context.Background(), rec))
	}
	files, err := filepath.Glob(filepath.Join(filepath.Dir(path), "cycles*"))
	require.NoError(t, err)
	assert.Greater(t, len(files), 1, "a 1MB limit forces a rotation")
}

func TestRotatingJSONLStore_Query(t *testing.T) {
	s, err := NewRotatingJSONLStore(filepath.Join(t.TempDir(), "nested", "cycles.jsonl"), 1, 2, 1)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	seedCycles(t, s, time.Now())
	ctx := context.Background()

	out, err := s.Query(ctx, LogQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, runIDs(out))

	out, err = s.Query(ctx, LogQuery{Outcome: "completed", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, runIDs(out))

	out, err = s.Query(ctx, LogQuery{OrderID: "ORD_2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, runIDs(out))
}
