// Package tracking records pipeline runs and the artifacts they consume and
// produce. Metadata lives in a storage.Registry; file contents live in a
// storage.BlobStore.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"airbnb-pipeline/models"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/utils"
)

// Tracker is the entry point for starting runs and managing artifacts.
type Tracker struct {
	registry storage.Registry
	blobs    *storage.BlobStore
	logger   *utils.Logger
	now      func() time.Time
}

// New creates a Tracker over the given registry and blob store.
func New(registry storage.Registry, blobs *storage.BlobStore, logger *utils.Logger) *Tracker {
	return &Tracker{
		registry: registry,
		blobs:    blobs,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open builds a Tracker rooted at dir: blobs under dir/blobs and, unless a
// registry is supplied, a FileRegistry in dir.
func Open(dir string, registry storage.Registry, logger *utils.Logger) (*Tracker, error) {
	blobs, err := storage.NewBlobStore(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry, err = storage.NewFileRegistry(dir)
		if err != nil {
			return nil, err
		}
	}
	return New(registry, blobs, logger), nil
}

// Close releases the underlying registry.
func (t *Tracker) Close() error {
	return t.registry.Close()
}

// RunOptions describes a run to start.
type RunOptions struct {
	Project string
	Group   string
	JobType string
	Config  map[string]string
}

// Run is a live handle on a started run.
type Run struct {
	tracker *Tracker
	record  *models.Run
}

// StartRun registers a new run in the "running" state.
func (t *Tracker) StartRun(ctx context.Context, opts RunOptions) (*Run, error) {
	if opts.Project == "" {
		return nil, errors.New("tracking: project is required")
	}
	if opts.JobType == "" {
		return nil, errors.New("tracking: job type is required")
	}

	cfg := make(map[string]string, len(opts.Config))
	for k, v := range opts.Config {
		cfg[k] = v
	}
	rec := &models.Run{
		ID:        uuid.NewString(),
		Project:   opts.Project,
		Group:     opts.Group,
		JobType:   opts.JobType,
		Status:    models.RunRunning,
		Config:    cfg,
		Summary:   make(map[string]float64),
		StartedAt: t.now(),
	}
	if err := t.registry.CreateRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("tracking: start run: %w", err)
	}
	t.logger.Info("[tracking] Started run %s (project=%s group=%s job=%s)",
		rec.ID, rec.Project, rec.Group, rec.JobType)
	return &Run{tracker: t, record: rec}, nil
}

// ID returns the run id.
func (r *Run) ID() string { return r.record.ID }

// Project returns the project the run belongs to.
func (r *Run) Project() string { return r.record.Project }

// UseArtifact resolves ref (defaulting to the run's project), records that
// this run consumed it and returns the version with a local path to its
// content.
func (r *Run) UseArtifact(ctx context.Context, ref string) (*models.ArtifactVersion, string, error) {
	parsed, err := models.ParseArtifactRef(ref, r.record.Project)
	if err != nil {
		return nil, "", err
	}
	v, err := r.tracker.registry.ResolveArtifact(ctx, parsed)
	if err != nil {
		return nil, "", fmt.Errorf("tracking: use artifact %s: %w", parsed, err)
	}
	if !r.tracker.blobs.Has(v.Digest) {
		return nil, "", fmt.Errorf("tracking: artifact %s: content %s missing from blob store", v.Ref(), v.Digest)
	}
	if err := r.tracker.registry.RecordUsage(ctx, r.record.ID, v); err != nil {
		return nil, "", fmt.Errorf("tracking: record usage: %w", err)
	}
	r.tracker.logger.Info("[tracking] Run %s uses %s (%s)", r.record.ID, v.Ref(), parsed.Alias)
	return v, r.tracker.blobs.Path(v.Digest), nil
}

// ArtifactSpec names the artifact a file is logged under.
type ArtifactSpec struct {
	Name        string
	Type        string
	Description string
}

// LogArtifact stores the file at path as a new version of spec.Name in the
// run's project. Logging content identical to the newest version returns
// that version unchanged.
func (r *Run) LogArtifact(ctx context.Context, spec ArtifactSpec, path string) (*models.ArtifactVersion, error) {
	if spec.Name == "" {
		return nil, errors.New("tracking: artifact name is required")
	}
	digest, size, err := r.tracker.blobs.Put(path)
	if err != nil {
		return nil, fmt.Errorf("tracking: log artifact %s: %w", spec.Name, err)
	}
	v, created, err := r.tracker.registry.AddArtifactVersion(ctx, &models.ArtifactVersion{
		Project:     r.record.Project,
		Name:        spec.Name,
		Type:        spec.Type,
		Description: spec.Description,
		Digest:      digest,
		Size:        size,
		RunID:       r.record.ID,
		CreatedAt:   r.tracker.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("tracking: log artifact %s: %w", spec.Name, err)
	}
	if created {
		r.tracker.logger.Info("[tracking] Logged %s (%d bytes)", v.Ref(), v.Size)
	} else {
		r.tracker.logger.Info("[tracking] %s unchanged, keeping %s", spec.Name, v.Ref())
	}
	return v, nil
}

// LogSummary merges values into the run summary and persists it.
func (r *Run) LogSummary(ctx context.Context, values map[string]float64) error {
	for k, v := range values {
		r.record.Summary[k] = v
	}
	if err := r.tracker.registry.UpdateRun(ctx, r.record); err != nil {
		return fmt.Errorf("tracking: log summary: %w", err)
	}
	return nil
}

// Finish marks the run finished, or failed when runErr is non-nil.
func (r *Run) Finish(ctx context.Context, runErr error) error {
	now := r.tracker.now()
	r.record.FinishedAt = &now
	if runErr != nil {
		r.record.Status = models.RunFailed
		r.record.Error = runErr.Error()
	} else {
		r.record.Status = models.RunFinished
	}
	if err := r.tracker.registry.UpdateRun(ctx, r.record); err != nil {
		return fmt.Errorf("tracking: finish run: %w", err)
	}
	r.tracker.logger.Info("[tracking] Run %s %s in %v", r.record.ID, r.record.Status,
		now.Sub(r.record.StartedAt).Round(time.Millisecond))
	return nil
}

// Resolve looks up ref without recording usage.
func (t *Tracker) Resolve(ctx context.Context, ref, defaultProject string) (*models.ArtifactVersion, string, error) {
	parsed, err := models.ParseArtifactRef(ref, defaultProject)
	if err != nil {
		return nil, "", err
	}
	v, err := t.registry.ResolveArtifact(ctx, parsed)
	if err != nil {
		return nil, "", fmt.Errorf("tracking: resolve %s: %w", parsed, err)
	}
	return v, t.blobs.Path(v.Digest), nil
}

// Promote points alias at the version addressed by ref, e.g. promoting
// "nyc_airbnb/random_forest_model:v3" to "prod".
func (t *Tracker) Promote(ctx context.Context, ref, defaultProject, alias string) (*models.ArtifactVersion, error) {
	if alias == "" || alias == models.AliasLatest {
		return nil, fmt.Errorf("tracking: alias %q cannot be set manually", alias)
	}
	if _, isVersion := (models.ArtifactRef{Alias: alias}).Version(); isVersion {
		return nil, fmt.Errorf("tracking: alias %q collides with version syntax", alias)
	}
	v, _, err := t.Resolve(ctx, ref, defaultProject)
	if err != nil {
		return nil, err
	}
	if err := t.registry.SetAlias(ctx, v.Project, v.Name, v.Version, alias); err != nil {
		return nil, fmt.Errorf("tracking: promote %s: %w", v.Ref(), err)
	}
	t.logger.Info("[tracking] %s is now %q", v.Ref(), alias)
	return t.registry.ResolveArtifact(ctx, models.ArtifactRef{Project: v.Project, Name: v.Name, Alias: alias})
}

// Versions lists all versions of project/name, oldest first.
func (t *Tracker) Versions(ctx context.Context, project, name string) ([]*models.ArtifactVersion, error) {
	versions, err := t.registry.ListArtifactVersions(ctx, project, name)
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}

// Lineage returns the ids of runs that used the given version.
func (t *Tracker) Lineage(ctx context.Context, v *models.ArtifactVersion) ([]string, error) {
	return t.registry.UsedBy(ctx, v.Project, v.Name, v.Version)
}

// GetRun loads a stored run.
func (t *Tracker) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return t.registry.GetRun(ctx, id)
}
