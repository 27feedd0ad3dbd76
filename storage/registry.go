package storage

import (
	"context"
	"errors"

	"airbnb-pipeline/models"
)

// ErrNotFound is returned when a run or artifact version does not exist.
var ErrNotFound = errors.New("not found")

// Registry is the interface any tracking backend must satisfy. It records
// runs, artifact versions, aliases and which run used which version.
type Registry interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)

	// AddArtifactVersion stores a new version of (a.Project, a.Name), assigning
	// a.Version and moving the "latest" alias to it. When the newest existing
	// version already has a.Digest, that version is returned instead and
	// created is false.
	AddArtifactVersion(ctx context.Context, a *models.ArtifactVersion) (stored *models.ArtifactVersion, created bool, err error)
	// ResolveArtifact finds the version addressed by ref (alias or "vN").
	ResolveArtifact(ctx context.Context, ref models.ArtifactRef) (*models.ArtifactVersion, error)
	// SetAlias points alias at the given version, removing it from any other
	// version of the same artifact.
	SetAlias(ctx context.Context, project, name string, version int, alias string) error
	// ListArtifactVersions returns all versions, oldest first.
	ListArtifactVersions(ctx context.Context, project, name string) ([]*models.ArtifactVersion, error)
	// RecordUsage notes that runID consumed the given version.
	RecordUsage(ctx context.Context, runID string, a *models.ArtifactVersion) error
	// UsedBy returns the ids of runs that consumed the given version.
	UsedBy(ctx context.Context, project, name string, version int) ([]string, error)

	Close() error
}
