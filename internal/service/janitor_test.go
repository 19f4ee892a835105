package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/models"
	"batch-engine/internal/repository"
)

func archivedAt(id string, finished time.Time) *models.JobRecord {
	return &models.JobRecord{ID: id, Processor: "resize", Status: models.StatusCompleted, CreatedAt: finished, CompletedAt: &finished}
}

func TestJanitor_Prune(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := newFakeClock()

	require.NoError(t, repo.SaveJob(ctx, archivedAt("old", clock.Now().Add(-time.Hour))))
	require.NoError(t, repo.SaveJob(ctx, archivedAt("fresh", clock.Now().Add(-time.Minute))))

	j := NewJanitor(repo, 30*time.Minute, "", nil)
	j.now = clock.Now

	n, err := j.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.GetJobByID(ctx, "fresh")
	assert.NoError(t, err)
	_, err = repo.GetJobByID(ctx, "old")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestJanitor_RunWithoutScheduleReturns(t *testing.T) {
	j := NewJanitor(repository.NewMemoryRepository(), time.Minute, "", nil)

	done := make(chan struct{})
	go func() {
		j.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return without a schedule")
	}
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	j := NewJanitor(repository.NewMemoryRepository(), time.Minute, "0 0 1 1 *", nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to stop after cancel")
	}
}
