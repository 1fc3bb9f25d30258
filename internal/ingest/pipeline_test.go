package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/embedding"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/monitoring"
)

const catalogCSV = `code,brand,submodel,vehicle_type,segment,model_year,label
TOY-YAR-20,Toyota,Yaris,auto,compacto,2020,Toyota Yaris Sol L
TOY-HIL-20,Toyota,Hilux,camioneta,pickup,2020,Toyota Hilux Doble Cabina
NIS-VER-20,Nissan,Versa,auto,sedan,2020,Nissan Versa Sense
`

func newTestPipeline(store catalog.Store) *Pipeline {
	guard := monitoring.NewEmbeddingGuard(nil, embedding.NewHashEmbedder(32), 2)
	return NewPipeline(nil, store, guard)
}

func TestPipeline_IngestAndActivate(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	p := newTestPipeline(store)

	result, err := p.Ingest(ctx, IngestionRequest{
		Version:  "2026-05",
		Reader:   strings.NewReader(catalogCSV),
		Format:   FormatCSV,
		Activate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, JobStatusSucceeded, result.Status)
	assert.Equal(t, 3, result.Entries)
	assert.Equal(t, 3, result.Embedded)
	assert.Zero(t, result.Rejected)
	assert.True(t, result.Activated)
	require.NotNil(t, result.Publish)
	assert.Empty(t, result.Publish.PreviousVersion)

	version, entries, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-05", version)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Len(t, e.Embedding, 32, e.Code)
	}
}

func TestPipeline_IngestFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.csv")
	require.NoError(t, os.WriteFile(path, []byte(catalogCSV), 0o600))

	store := catalog.NewMemoryStore()
	result, err := newTestPipeline(store).Ingest(context.Background(), IngestionRequest{Version: "v1", Path: path})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Entries)
	assert.False(t, result.Activated)

	_, err = store.ActiveVersion(context.Background())
	assert.ErrorIs(t, err, catalog.ErrNoActiveVersion, "loading never activates on its own")
}

func TestPipeline_RejectedRows(t *testing.T) {
	input := catalogCSV + "BAD,,Rio,auto,sedan,2020,Kia Rio\n"

	t.Run("lenient load skips the row", func(t *testing.T) {
		result, err := newTestPipeline(catalog.NewMemoryStore()).Ingest(context.Background(), IngestionRequest{
			Version: "v1", Reader: strings.NewReader(input), Format: FormatCSV,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, result.Entries)
		assert.Equal(t, 1, result.Rejected)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, 5, result.Errors[0].Line)
	})

	t.Run("strict load fails", func(t *testing.T) {
		store := catalog.NewMemoryStore()
		result, err := newTestPipeline(store).Ingest(context.Background(), IngestionRequest{
			Version: "v1", Reader: strings.NewReader(input), Format: FormatCSV, Strict: true,
		})
		require.ErrorIs(t, err, ErrRejectedRows)
		assert.Equal(t, JobStatusFailed, result.Status)

		versions, err := store.Versions(context.Background())
		require.NoError(t, err)
		assert.Empty(t, versions)
	})
}

func TestPipeline_Failures(t *testing.T) {
	p := newTestPipeline(catalog.NewMemoryStore())
	ctx := context.Background()

	_, err := p.Ingest(ctx, IngestionRequest{Reader: strings.NewReader(catalogCSV), Format: FormatCSV})
	assert.Error(t, err, "version is required")

	_, err = p.Ingest(ctx, IngestionRequest{Version: "v1", Reader: strings.NewReader("code,brand\n"), Format: FormatCSV})
	assert.ErrorIs(t, err, catalog.ErrEmptyVersion)

	_, err = p.Ingest(ctx, IngestionRequest{Version: "v1", Path: "catalog.xlsx"})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestPipeline_VersionsAreImmutable(t *testing.T) {
	store := catalog.NewMemoryStore()
	p := newTestPipeline(store)
	ctx := context.Background()

	_, err := p.Ingest(ctx, IngestionRequest{Version: "v1", Reader: strings.NewReader(catalogCSV), Format: FormatCSV, Activate: true})
	require.NoError(t, err)

	result, err := p.Ingest(ctx, IngestionRequest{
		Version: "v1", Reader: strings.NewReader(catalogCSV + "KIA-RIO-20,Kia,Rio,auto,sedan,2020,Kia Rio\n"), Format: FormatCSV, Activate: true,
	})
	require.ErrorIs(t, err, catalog.ErrVersionExists)
	assert.Equal(t, JobStatusFailed, result.Status)

	_, entries, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestPublisher_ActivateAndRollback(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	p := newTestPipeline(store)
	pub := p.Publisher()

	_, err := pub.Rollback(ctx, RollbackRequest{})
	assert.ErrorIs(t, err, ErrNothingToRollback)

	for _, v := range []string{"v1", "v2"} {
		_, err := p.Ingest(ctx, IngestionRequest{Version: v, Reader: strings.NewReader(catalogCSV), Format: FormatCSV})
		require.NoError(t, err)
	}

	_, err = pub.Activate(ctx, "v3")
	assert.ErrorIs(t, err, catalog.ErrVersionNotFound)

	_, err = pub.Activate(ctx, "v1")
	require.NoError(t, err)
	res, err := pub.Activate(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v1", res.PreviousVersion)
	assert.Equal(t, 3, res.Entries)

	_, err = pub.Activate(ctx, "v2")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	res, err = pub.Rollback(ctx, RollbackRequest{Reason: "bad labels", Operator: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Version)
	assert.Equal(t, "v2", res.PreviousVersion)

	active, err := store.ActiveVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", active)
}
