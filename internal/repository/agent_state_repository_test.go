package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentStateRepository(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)
	repo := NewAgentStateRepository(db)

	t.Run("unset key reads empty", func(t *testing.T) {
		value, err := repo.Get(ctx, StateKeyDriveFileID)
		require.NoError(t, err)
		assert.Empty(t, value)

		at, err := repo.GetTime(ctx, StateKeyLastBackupAt)
		require.NoError(t, err)
		assert.True(t, at.IsZero())
	})

	t.Run("set overwrites", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, StateKeyDriveFileID, "file-1"))
		require.NoError(t, repo.Set(ctx, StateKeyDriveFileID, "file-2"))

		value, err := repo.Get(ctx, StateKeyDriveFileID)
		require.NoError(t, err)
		assert.Equal(t, "file-2", value)
	})

	t.Run("times round trip at millisecond precision", func(t *testing.T) {
		at := time.Date(2024, 3, 15, 8, 0, 0, 123456789, time.UTC)
		require.NoError(t, repo.SetTime(ctx, StateKeyLastBackupAt, at))

		got, err := repo.GetTime(ctx, StateKeyLastBackupAt)
		require.NoError(t, err)
		assert.True(t, at.Truncate(time.Millisecond).Equal(got))
	})

	t.Run("malformed time reads zero", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, StateKeyLastSyncAt, "yesterday"))

		got, err := repo.GetTime(ctx, StateKeyLastSyncAt)
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("get all", func(t *testing.T) {
		all, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, "file-2", all[StateKeyDriveFileID])
		assert.Contains(t, all, StateKeyLastBackupAt)
	})
}
