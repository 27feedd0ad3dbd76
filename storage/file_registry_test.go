package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"airbnb-pipeline/models"
)

func newTestRegistry(t *testing.T) *FileRegistry {
	t.Helper()
	reg, err := NewFileRegistry(t.TempDir())
	require.NoError(t, err)
	return reg
}

func TestFileRegistryRunLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	run := &models.Run{
		ID:        "run-1",
		Project:   "nyc_airbnb",
		Group:     "dev",
		JobType:   "basic_cleaning",
		Status:    models.RunRunning,
		Config:    map[string]string{"min_price": "10"},
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, reg.CreateRun(ctx, run))
	require.Error(t, reg.CreateRun(ctx, run), "duplicate run id must be rejected")

	now := time.Now().UTC()
	run.Status = models.RunFinished
	run.Summary = map[string]float64{"rows_out": 42}
	run.FinishedAt = &now
	require.NoError(t, reg.UpdateRun(ctx, run))

	got, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, models.RunFinished, got.Status)
	require.Equal(t, 42.0, got.Summary["rows_out"])
	require.Equal(t, "10", got.Config["min_price"])

	_, err = reg.GetRun(ctx, "missing")
	require.True(t, IsNotFound(err))
}

func TestFileRegistryVersionsAndAliases(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	add := func(digest string) (*models.ArtifactVersion, bool) {
		v, created, err := reg.AddArtifactVersion(ctx, &models.ArtifactVersion{
			Project: "p", Name: "clean.csv", Type: "raw_data", Digest: digest,
		})
		require.NoError(t, err)
		return v, created
	}

	v1, created := add("aaa")
	require.True(t, created)
	require.Equal(t, 1, v1.Version)
	require.Equal(t, []string{"latest"}, v1.Aliases)

	same, created := add("aaa")
	require.False(t, created, "identical content must not create a version")
	require.Equal(t, 1, same.Version)

	v2, created := add("bbb")
	require.True(t, created)
	require.Equal(t, 2, v2.Version)

	latest, err := reg.ResolveArtifact(ctx, models.ArtifactRef{Project: "p", Name: "clean.csv", Alias: "latest"})
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	require.NoError(t, reg.SetAlias(ctx, "p", "clean.csv", 1, "reference"))
	ref, err := reg.ResolveArtifact(ctx, models.ArtifactRef{Project: "p", Name: "clean.csv", Alias: "reference"})
	require.NoError(t, err)
	require.Equal(t, 1, ref.Version)
	require.True(t, ref.HasAlias("reference"))

	// Moving an alias leaves exactly one holder.
	require.NoError(t, reg.SetAlias(ctx, "p", "clean.csv", 2, "reference"))
	versions, err := reg.ListArtifactVersions(ctx, "p", "clean.csv")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.False(t, versions[0].HasAlias("reference"))
	require.True(t, versions[1].HasAlias("reference"))
	require.True(t, versions[1].HasAlias("latest"))

	byVersion, err := reg.ResolveArtifact(ctx, models.ArtifactRef{Project: "p", Name: "clean.csv", Alias: "v1"})
	require.NoError(t, err)
	require.Equal(t, "aaa", byVersion.Digest)

	_, err = reg.ResolveArtifact(ctx, models.ArtifactRef{Project: "p", Name: "clean.csv", Alias: "prod"})
	require.True(t, IsNotFound(err))
	require.True(t, IsNotFound(reg.SetAlias(ctx, "p", "clean.csv", 9, "prod")))
}

func TestFileRegistryUsage(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	v, _, err := reg.AddArtifactVersion(ctx, &models.ArtifactVersion{Project: "p", Name: "sample.csv", Digest: "d1"})
	require.NoError(t, err)

	require.NoError(t, reg.RecordUsage(ctx, "run-a", v))
	require.NoError(t, reg.RecordUsage(ctx, "run-a", v))
	require.NoError(t, reg.RecordUsage(ctx, "run-b", v))

	ids, err := reg.UsedBy(ctx, "p", "sample.csv", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"run-a", "run-b"}, ids)
}

func TestFileRegistrySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg, err := NewFileRegistry(dir)
	require.NoError(t, err)
	_, _, err = reg.AddArtifactVersion(ctx, &models.ArtifactVersion{Project: "p", Name: "a", Digest: "x"})
	require.NoError(t, err)

	reopened, err := NewFileRegistry(dir)
	require.NoError(t, err)
	v, err := reopened.ResolveArtifact(ctx, models.ArtifactRef{Project: "p", Name: "a", Alias: "latest"})
	require.NoError(t, err)
	require.Equal(t, "x", v.Digest)

	_, err = os.Stat(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
}

func TestBlobStoreDeduplicates(t *testing.T) {
	dir := t.TempDir()
	blobs, err := NewBlobStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	require.NoError(t, os.WriteFile(a, []byte("id,price\n1,10\n"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("id,price\n1,10\n"), 0644))

	da, size, err := blobs.Put(a)
	require.NoError(t, err)
	require.Equal(t, int64(14), size)
	db, _, err := blobs.Put(b)
	require.NoError(t, err)
	require.Equal(t, da, db)
	require.True(t, blobs.Has(da))

	content, err := os.ReadFile(blobs.Path(da))
	require.NoError(t, err)
	require.Equal(t, "id,price\n1,10\n", string(content))
}
