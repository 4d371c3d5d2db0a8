package logstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eteran/cargohold/internal/migration/logstore"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *logstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := logstore.Open(context.Background(), filepath.Join(dir, "migration.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeedMissingIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.SeedMissing(ctx, 2017, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.EqualValues(t, 3, inserted)

	inserted, err = s.SeedMissing(ctx, 2017, []string{"b", "c", "d"})
	require.NoError(t, err)
	require.EqualValues(t, 1, inserted)

	seeded, err := s.ListSeeded(ctx, 2017)
	require.NoError(t, err)
	require.Len(t, seeded, 4)
}

func TestEnrichToPendingTransitionsStatus(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SeedMissing(ctx, 2017, []string{"a"})
	require.NoError(t, err)
	seeded, err := s.ListSeeded(ctx, 2017)
	require.NoError(t, err)
	require.Len(t, seeded, 1)

	err = s.EnrichToPending(ctx, seeded[0].ID, "report.pdf", ".pdf", "application/pdf", 1024, time.Now().UTC())
	require.NoError(t, err)

	batch, err := s.SelectMigrateBatch(ctx, 2017, "", 3, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "pdf", batch[0].OriginalExtension)
	require.Equal(t, logstore.StatusPending, batch[0].Status)
}

func TestMarkSkippedExcludesFromMigrateBatch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SeedMissing(ctx, 2017, []string{"a"})
	require.NoError(t, err)
	seeded, err := s.ListSeeded(ctx, 2017)
	require.NoError(t, err)

	err = s.MarkSkipped(ctx, seeded[0].ID, "no metadata found")
	require.NoError(t, err)

	batch, err := s.SelectMigrateBatch(ctx, 2017, "", 3, 10)
	require.NoError(t, err)
	require.Empty(t, batch)

	counts, err := s.CountsByStatus(ctx, 2017, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[logstore.StatusSkipped])
}

func TestMarkFailedIncrementsRetryCountAndIsRetriedUntilMaxRetries(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SeedMissing(ctx, 2017, []string{"a"})
	require.NoError(t, err)
	seeded, err := s.ListSeeded(ctx, 2017)
	require.NoError(t, err)
	require.NoError(t, s.EnrichToPending(ctx, seeded[0].ID, "a.pdf", "pdf", "", 1, time.Now().UTC()))

	for i := 0; i < 3; i++ {
		batch, err := s.SelectMigrateBatch(ctx, 2017, "", 3, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1, "iteration %d", i)
		require.NoError(t, s.MarkInProgress(ctx, batch[0].ID))
		require.NoError(t, s.MarkFailed(ctx, batch[0].ID, "network error"))
	}

	batch, err := s.SelectMigrateBatch(ctx, 2017, "", 3, 10)
	require.NoError(t, err)
	require.Empty(t, batch, "exhausted retries should no longer be selected")

	exhausted, err := s.ExhaustedFailedCount(ctx, 2017, "", 3)
	require.NoError(t, err)
	require.EqualValues(t, 1, exhausted)
}

func TestMarkCompletedSetsTargetFieldsAndProcessedAt(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SeedMissing(ctx, 2017, []string{"a"})
	require.NoError(t, err)
	seeded, err := s.ListSeeded(ctx, 2017)
	require.NoError(t, err)
	require.NoError(t, s.EnrichToPending(ctx, seeded[0].ID, "a.pdf", "pdf", "", 1, time.Now().UTC()))

	batch, err := s.SelectMigrateBatch(ctx, 2017, "", 3, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, s.MarkInProgress(ctx, batch[0].ID))
	require.NoError(t, s.MarkCompleted(ctx, batch[0].ID, "2017-abc", "invoices", "a/a.pdf", "deadbeef", "application/pdf"))

	counts, err := s.CountsByStatus(ctx, 2017, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[logstore.StatusCompleted])
}

func TestSelectMigrateBatchRespectsWorkerTokenSharding(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SeedMissing(ctx, 2017, []string{"a", "b"})
	require.NoError(t, err)
	seeded, err := s.ListSeeded(ctx, 2017)
	require.NoError(t, err)
	require.Len(t, seeded, 2)

	require.NoError(t, s.EnrichToPending(ctx, seeded[0].ID, "a.pdf", "pdf", "", 1, time.Now().UTC()))
	require.NoError(t, s.EnrichToPending(ctx, seeded[1].ID, "b.pdf", "pdf", "", 1, time.Now().UTC()))

	batch, err := s.SelectMigrateBatch(ctx, 2017, "token-0", 3, 10)
	require.NoError(t, err)
	require.Empty(t, batch, "rows without a worker token assigned should not match a token filter")
}
