package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsIncrementAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.sqlite")

	first, err := Open(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Session())
	require.NoError(t, first.Append(ctx, "x = 1", 1))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, int64(2), second.Session())
}

func TestTailReturnsLastEntriesInOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.sqlite")

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.Append(ctx, "a", 1))
	require.NoError(t, s1.Append(ctx, "b", 2))
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Append(ctx, "c", 1))
	require.NoError(t, s2.Append(ctx, "d", 2))

	got, err := s2.Tail(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Session: 1, Line: 2, Source: "b"},
		{Session: 2, Line: 1, Source: "c"},
		{Session: 2, Line: 2, Source: "d"},
	}, got)

	all, err := s2.Tail(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := s2.Tail(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppendDuplicateLineFails(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(ctx, "a", 1))
	assert.Error(t, s.Append(ctx, "b", 1))
}
