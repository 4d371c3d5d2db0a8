package worker_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eteran/cargohold/internal/migration/logstore"
	"github.com/eteran/cargohold/internal/migration/sourcedb"
	"github.com/eteran/cargohold/internal/migration/uploadclient"
	"github.com/eteran/cargohold/internal/migration/worker"
	"github.com/stretchr/testify/require"
)

type fakeContent struct {
	ids   []string
	blobs map[string][]byte
}

func (f *fakeContent) ListDistinctContentIDs(ctx context.Context) ([]string, error) {
	return f.ids, nil
}

func (f *fakeContent) FetchBlob(ctx context.Context, contentID string) ([]byte, bool, error) {
	b, ok := f.blobs[contentID]
	if !ok || len(b) == 0 {
		return nil, false, nil
	}
	return b, true, nil
}

type fakeDocs struct {
	meta map[string]sourcedb.DocumentMetadata
}

func (f *fakeDocs) LookupMetadata(ctx context.Context, contentID string) (sourcedb.DocumentMetadata, bool, error) {
	m, ok := f.meta[contentID]
	return m, ok, nil
}

type fakeUploader struct {
	mu         sync.Mutex
	uploaded   map[string][]byte
	conflictOn map[string]bool
	failOn     map[string]bool
}

func (f *fakeUploader) EnsureBucketExists(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (f *fakeUploader) Upload(ctx context.Context, bucket, filename string, data []byte, claimedContentType string, year int) (uploadclient.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failOn[filename] {
		return uploadclient.Result{Success: false, ErrorMessage: "simulated failure"}, nil
	}
	if f.conflictOn[filename] {
		return uploadclient.Result{Success: true, AlreadyExists: true}, nil
	}
	if f.uploaded == nil {
		f.uploaded = make(map[string][]byte)
	}
	f.uploaded[filename] = data
	return uploadclient.Result{
		Success:             true,
		DocID:               fmt.Sprintf("%d-%s", year, filename),
		SHA256:              "deadbeef",
		DetectedContentType: "application/pdf",
	}, nil
}

func openTestLog(t *testing.T) *logstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := logstore.Open(context.Background(), filepath.Join(dir, "migration.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunMigratesSeededRowsEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := openTestLog(t)

	content := &fakeContent{
		ids: []string{"doc-1", "doc-2", "doc-3"},
		blobs: map[string][]byte{
			"doc-1": []byte("hello"),
			"doc-2": []byte("world"),
			// doc-3 has no content: should be Skipped.
		},
	}
	docs := &fakeDocs{
		meta: map[string]sourcedb.DocumentMetadata{
			"doc-1": {OriginalFilename: "a", OriginalExtension: "pdf", RecordDate: time.Now().UTC()},
			"doc-2": {OriginalFilename: "b", OriginalExtension: "pdf", RecordDate: time.Now().UTC()},
			"doc-3": {OriginalFilename: "c", OriginalExtension: "pdf", RecordDate: time.Now().UTC()},
		},
	}
	uploader := &fakeUploader{}

	w := worker.New(log, content, docs, uploader, worker.Config{
		Year:           2017,
		TargetBucket:   "invoices",
		BatchSize:      10,
		MaxParallelism: 2,
		MaxRetries:     3,
	}, nil)

	require.NoError(t, w.Run(ctx))

	counts, err := log.CountsByStatus(ctx, 2017, "")
	require.NoError(t, err)
	require.EqualValues(t, 2, counts[logstore.StatusCompleted])
	require.EqualValues(t, 1, counts[logstore.StatusSkipped])

	require.Len(t, uploader.uploaded, 2)
	require.Contains(t, uploader.uploaded, "doc-1/a.pdf")
	require.Contains(t, uploader.uploaded, "doc-2/b.pdf")
}

func TestRunIsResumableAfterPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := openTestLog(t)

	content := &fakeContent{
		ids:   []string{"doc-1"},
		blobs: map[string][]byte{"doc-1": []byte("hello")},
	}
	docs := &fakeDocs{
		meta: map[string]sourcedb.DocumentMetadata{
			"doc-1": {OriginalFilename: "a", OriginalExtension: "pdf", RecordDate: time.Now().UTC()},
		},
	}
	uploader := &fakeUploader{failOn: map[string]bool{"doc-1/a.pdf": true}}

	w := worker.New(log, content, docs, uploader, worker.Config{
		Year: 2017, TargetBucket: "invoices", BatchSize: 10, MaxParallelism: 1, MaxRetries: 3,
	}, nil)
	require.NoError(t, w.Run(ctx))

	counts, err := log.CountsByStatus(ctx, 2017, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[logstore.StatusFailed])

	// Second pass: the first run retried the row within its own migrate
	// loop until all three attempts were spent, so the resumed run gets a
	// larger retry budget, and the transient failure has now cleared.
	uploader.failOn = nil
	w = worker.New(log, content, docs, uploader, worker.Config{
		Year: 2017, TargetBucket: "invoices", BatchSize: 10, MaxParallelism: 1, MaxRetries: 4,
	}, nil)
	require.NoError(t, w.Run(ctx))

	counts, err = log.CountsByStatus(ctx, 2017, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[logstore.StatusCompleted])
	require.EqualValues(t, 0, counts[logstore.StatusFailed])
}

func TestRunTreatsConflictAsCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := openTestLog(t)

	content := &fakeContent{
		ids:   []string{"doc-1"},
		blobs: map[string][]byte{"doc-1": []byte("hello")},
	}
	docs := &fakeDocs{
		meta: map[string]sourcedb.DocumentMetadata{
			"doc-1": {OriginalFilename: "a", OriginalExtension: "pdf", RecordDate: time.Now().UTC()},
		},
	}
	uploader := &fakeUploader{conflictOn: map[string]bool{"doc-1/a.pdf": true}}

	w := worker.New(log, content, docs, uploader, worker.Config{
		Year: 2017, TargetBucket: "invoices", BatchSize: 10, MaxParallelism: 1, MaxRetries: 3,
	}, nil)
	require.NoError(t, w.Run(ctx))

	counts, err := log.CountsByStatus(ctx, 2017, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[logstore.StatusCompleted])
}

func TestRunShardsByWorkerToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := openTestLog(t)

	ids := []string{"doc-1", "doc-2", "doc-3", "doc-4"}
	_, err := log.SeedMissing(ctx, 2017, ids)
	require.NoError(t, err)
	seeded, err := log.ListSeeded(ctx, 2017)
	require.NoError(t, err)
	require.Len(t, seeded, 4)

	blobs := map[string][]byte{}
	meta := map[string]sourcedb.DocumentMetadata{}
	for i, row := range seeded {
		name := fmt.Sprintf("file-%d", i)
		require.NoError(t, log.EnrichToPending(ctx, row.ID, name, "pdf", "", 1, time.Now().UTC()))
		blobs[row.SourceDocumentID] = []byte("content-" + row.SourceDocumentID)
		meta[row.SourceDocumentID] = sourcedb.DocumentMetadata{OriginalFilename: name, OriginalExtension: "pdf"}

		token := "token-0"
		if i%2 == 1 {
			token = "token-1"
		}
		require.NoError(t, log.AssignWorkerToken(ctx, 2017, row.ID, token))
	}

	content := &fakeContent{ids: ids, blobs: blobs}
	docs := &fakeDocs{meta: meta}

	for _, token := range []string{"token-0", "token-1"} {
		uploader := &fakeUploader{}
		w := worker.New(log, content, docs, uploader, worker.Config{
			Year: 2017, TargetBucket: "invoices", BatchSize: 10, MaxParallelism: 2, MaxRetries: 3,
			WorkerToken: token,
		}, nil)
		require.NoError(t, w.Run(ctx))
		require.Len(t, uploader.uploaded, 2, "worker %s should migrate exactly its shard", token)
	}

	counts, err := log.CountsByStatus(ctx, 2017, "")
	require.NoError(t, err)
	require.EqualValues(t, 4, counts[logstore.StatusCompleted], "every row across both shards should be completed exactly once")
}
