package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statboard/core"
	"statboard/engine"
	"statboard/engine/enginetest"
)

func TestMemoryStoreContract(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.EntryStore { return New().WithBatchSize(2) })
}

func TestMemoryStoreRestoreKeepsIDs(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Insert(ctx, core.NewEntry(1, 10))
	require.NoError(t, err)
	_, err = s.Insert(ctx, core.NewEntry(2, 20))
	require.NoError(t, err)

	restored := NewFromEntries(s.Entries())
	assert.Equal(t, core.EntryID(2), restored.NextID())

	id, err := restored.Insert(ctx, core.NewEntry(3, 5))
	require.NoError(t, err)
	assert.Equal(t, core.EntryID(3), id)

	pos, err := restored.Position(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)
}

func TestMemoryStoreScanStopsOnCancel(t *testing.T) {
	s := New()
	_, err := s.Insert(context.Background(), core.NewEntry(1, 10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range s.Scan(ctx, 0) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
