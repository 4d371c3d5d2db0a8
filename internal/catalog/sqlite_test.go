package catalog_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/eteran/cargohold/internal/catalog"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := catalog.OpenSQLite(context.Background(), filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCreateBucketAndGetBucket(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	b, err := c.GetBucket(ctx, "invoices")
	require.NoError(t, err)
	require.Equal(t, "invoices", b.Name)
	require.Zero(t, b.ObjectCount)
}

func TestCreateBucketConflict(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	_, err = c.CreateBucket(ctx, "invoices")
	require.Error(t, err)
	require.Equal(t, catalog.KindConflict, catalog.KindOf(err))
}

func TestEnsureBucketIsIdempotent(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	b1, err := c.EnsureBucket(ctx, "invoices")
	require.NoError(t, err)

	b2, err := c.EnsureBucket(ctx, "invoices")
	require.NoError(t, err)
	require.Equal(t, b1.Name, b2.Name)
}

func TestGetBucketNotFound(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.GetBucket(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, catalog.KindNotFound, catalog.KindOf(err))
}

func TestDeleteBucketRejectsNonEmpty(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	var sha [32]byte
	_, err = c.InsertObject(ctx, catalog.NewObjectParams{
		Bucket: "invoices", Filename: "a.pdf", DocID: "2024-x", Year: 2024,
		SizeBytes: 10, SHA256: sha, ServedContentType: "application/pdf",
		DetectedContentType: "application/pdf", DetectedExtension: "pdf",
		DetectionMethod: catalog.DetectionMagic,
	})
	require.NoError(t, err)

	err = c.DeleteBucket(ctx, "invoices")
	require.Error(t, err)
	require.Equal(t, catalog.KindConflict, catalog.KindOf(err))
}

func TestInsertObjectConflictOnDuplicateFilename(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	var sha [32]byte
	params := catalog.NewObjectParams{
		Bucket: "invoices", Filename: "a.pdf", DocID: "2024-a", Year: 2024,
		SizeBytes: 10, SHA256: sha, ServedContentType: "application/pdf",
		DetectedContentType: "application/pdf", DetectedExtension: "pdf",
		DetectionMethod: catalog.DetectionMagic,
	}
	_, err = c.InsertObject(ctx, params)
	require.NoError(t, err)

	params.DocID = "2024-b"
	_, err = c.InsertObject(ctx, params)
	require.Error(t, err)
	require.Equal(t, catalog.KindConflict, catalog.KindOf(err))
}

func TestInsertObjectConflictOnDuplicateDocID(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	var sha [32]byte
	params := catalog.NewObjectParams{
		Bucket: "invoices", Filename: "a.pdf", DocID: "2024-a", Year: 2024,
		SizeBytes: 10, SHA256: sha, ServedContentType: "application/pdf",
		DetectedContentType: "application/pdf", DetectedExtension: "pdf",
		DetectionMethod: catalog.DetectionMagic,
	}
	_, err = c.InsertObject(ctx, params)
	require.NoError(t, err)

	params.Filename = "b.pdf"
	_, err = c.InsertObject(ctx, params)
	require.Error(t, err)
	require.Equal(t, catalog.KindConflict, catalog.KindOf(err))
}

func TestGetObjectByNameAndDocID(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	sha := [32]byte{1, 2, 3}
	inserted, err := c.InsertObject(ctx, catalog.NewObjectParams{
		Bucket: "invoices", Filename: "a.pdf", DocID: "2024-a", Year: 2024,
		SizeBytes: 42, SHA256: sha, ServedContentType: "application/pdf",
		DetectedContentType: "application/pdf", DetectedExtension: "pdf",
		DetectionMethod: catalog.DetectionMagic, IsMismatch: false,
	})
	require.NoError(t, err)
	require.NotZero(t, inserted.ID)

	byName, err := c.GetObjectByName(ctx, "invoices", "a.pdf")
	require.NoError(t, err)
	require.Equal(t, sha, byName.SHA256)

	byDocID, err := c.GetObjectByDocID(ctx, "invoices", "2024-a")
	require.NoError(t, err)
	require.Equal(t, byName.ID, byDocID.ID)

	byDocIDAnyBucket, err := c.GetObjectByDocIDAnyBucket(ctx, "2024-a")
	require.NoError(t, err)
	require.Equal(t, byName.ID, byDocIDAnyBucket.ID)
}

func TestObjectExistsByName(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	exists, err := c.ObjectExistsByName(ctx, "invoices", "a.pdf")
	require.NoError(t, err)
	require.False(t, exists)

	var sha [32]byte
	_, err = c.InsertObject(ctx, catalog.NewObjectParams{
		Bucket: "invoices", Filename: "a.pdf", DocID: "2024-a", Year: 2024,
		SizeBytes: 1, SHA256: sha, ServedContentType: "application/pdf",
		DetectedContentType: "application/pdf", DetectedExtension: "pdf",
		DetectionMethod: catalog.DetectionMagic,
	})
	require.NoError(t, err)

	exists, err = c.ObjectExistsByName(ctx, "invoices", "a.pdf")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestListObjectsPaginatesAndFiltersByPrefix(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	var sha [32]byte
	names := []string{"alpha.pdf", "alpha2.pdf", "beta.pdf"}
	for i, name := range names {
		_, err := c.InsertObject(ctx, catalog.NewObjectParams{
			Bucket: "invoices", Filename: name, DocID: "2024-" + name, Year: 2024,
			SizeBytes: int64(i), SHA256: sha, ServedContentType: "application/pdf",
			DetectedContentType: "application/pdf", DetectedExtension: "pdf",
			DetectionMethod: catalog.DetectionMagic,
		})
		require.NoError(t, err)
	}

	all, err := c.ListObjects(ctx, "invoices", "", 1, 100)
	require.NoError(t, err)
	require.Len(t, all, 3)

	alphaOnly, err := c.ListObjects(ctx, "invoices", "alpha", 1, 100)
	require.NoError(t, err)
	require.Len(t, alphaOnly, 2)

	page1, err := c.ListObjects(ctx, "invoices", "", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := c.ListObjects(ctx, "invoices", "", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
}

func TestDeleteObjectNotFound(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	err := c.DeleteObject(ctx, "invoices", "2024-missing")
	require.Error(t, err)
	require.Equal(t, catalog.KindNotFound, catalog.KindOf(err))
}

func TestBucketAggregatesReflectObjects(t *testing.T) {
	t.Parallel()
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.CreateBucket(ctx, "invoices")
	require.NoError(t, err)

	var sha [32]byte
	_, err = c.InsertObject(ctx, catalog.NewObjectParams{
		Bucket: "invoices", Filename: "a.pdf", DocID: "2024-a", Year: 2024,
		SizeBytes: 100, SHA256: sha, ServedContentType: "application/pdf",
		DetectedContentType: "application/pdf", DetectedExtension: "pdf",
		DetectionMethod: catalog.DetectionMagic,
	})
	require.NoError(t, err)
	_, err = c.InsertObject(ctx, catalog.NewObjectParams{
		Bucket: "invoices", Filename: "b.pdf", DocID: "2024-b", Year: 2024,
		SizeBytes: 50, SHA256: sha, ServedContentType: "application/pdf",
		DetectedContentType: "application/pdf", DetectedExtension: "pdf",
		DetectionMethod: catalog.DetectionMagic,
	})
	require.NoError(t, err)

	b, err := c.GetBucket(ctx, "invoices")
	require.NoError(t, err)
	require.EqualValues(t, 2, b.ObjectCount)
	require.EqualValues(t, 150, b.TotalSizeBytes)

	err = c.DeleteObject(ctx, "invoices", "2024-a")
	require.NoError(t, err)

	b, err = c.GetBucket(ctx, "invoices")
	require.NoError(t, err)
	require.EqualValues(t, 1, b.ObjectCount)
	require.EqualValues(t, 50, b.TotalSizeBytes)
}
