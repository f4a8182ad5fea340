package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PayRecon/app/models"
)

func TestSyncLogRepositoryAppendAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSyncLogRepository(db)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	types := []models.SyncRunType{models.SyncRunTypeSync, models.SyncRunTypeReconciliation, models.SyncRunTypeSync}
	var runIDs []string
	for i, typ := range types {
		entry := &models.SyncLogEntry{
			RunID:      uuid.NewString(),
			RunType:    typ,
			Trigger:    models.SyncTriggerManual,
			Success:    true,
			Considered: i,
			Summary:    datatypes.JSON(`{"ok":true}`),
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		require.NoError(t, repo.Append(ctx, entry))
		runIDs = append(runIDs, entry.RunID)
	}

	all, err := repo.List(ctx, SyncLogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, runIDs[2], all[0].RunID, "newest first")
	assert.Equal(t, time.Second, all[0].Duration())

	syncOnly, err := repo.List(ctx, SyncLogFilter{RunType: models.SyncRunTypeSync, Limit: 1})
	require.NoError(t, err)
	require.Len(t, syncOnly, 1)
	assert.Equal(t, runIDs[2], syncOnly[0].RunID)

	got, err := repo.GetByRunID(ctx, runIDs[1])
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunTypeReconciliation, got.RunType)

	dup := &models.SyncLogEntry{RunID: runIDs[0], RunType: models.SyncRunTypeSync, Trigger: models.SyncTriggerManual, StartedAt: base, FinishedAt: base}
	assert.Error(t, repo.Append(ctx, dup), "run ids are unique")
}
