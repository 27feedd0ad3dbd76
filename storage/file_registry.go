package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"airbnb-pipeline/models"
)

// FileRegistry keeps the whole registry in one JSON document:
//
//	<root>/registry.json
//
// Every mutation re-reads the document, applies the change and atomically
// replaces the file (write temp + fsync + rename). Steps run one at a time,
// so a single writer at any moment is assumed.
type FileRegistry struct {
	mu   sync.Mutex
	path string
}

type fileState struct {
	Runs      map[string]*models.Run    `json:"runs"`
	Artifacts map[string]*artifactEntry `json:"artifacts"`
}

type artifactEntry struct {
	Versions []*models.ArtifactVersion `json:"versions"`
	Aliases  map[string]int            `json:"aliases"`
	Usage    map[int][]string          `json:"usage"`
}

// NewFileRegistry prepares a registry rooted at dir.
func NewFileRegistry(dir string) (*FileRegistry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}
	return &FileRegistry{path: filepath.Join(dir, "registry.json")}, nil
}

func artifactKey(project, name string) string { return project + "/" + name }

func (r *FileRegistry) load() (*fileState, error) {
	st := &fileState{
		Runs:      make(map[string]*models.Run),
		Artifacts: make(map[string]*artifactEntry),
	}
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("registry: read: %w", err)
	}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", r.path, err)
	}
	if st.Runs == nil {
		st.Runs = make(map[string]*models.Run)
	}
	if st.Artifacts == nil {
		st.Artifacts = make(map[string]*artifactEntry)
	}
	return st, nil
}

func (r *FileRegistry) save(st *fileState) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("registry: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("registry: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("registry: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("registry: replace: %w", err)
	}
	return nil
}

// update runs fn against the current state and persists the result if fn
// succeeds.
func (r *FileRegistry) update(fn func(st *fileState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return r.save(st)
}

func (r *FileRegistry) view(fn func(st *fileState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load()
	if err != nil {
		return err
	}
	return fn(st)
}

func (r *FileRegistry) CreateRun(_ context.Context, run *models.Run) error {
	return r.update(func(st *fileState) error {
		if _, exists := st.Runs[run.ID]; exists {
			return fmt.Errorf("registry: run %s already exists", run.ID)
		}
		st.Runs[run.ID] = run
		return nil
	})
}

func (r *FileRegistry) UpdateRun(_ context.Context, run *models.Run) error {
	return r.update(func(st *fileState) error {
		if _, exists := st.Runs[run.ID]; !exists {
			return fmt.Errorf("registry: run %s: %w", run.ID, ErrNotFound)
		}
		st.Runs[run.ID] = run
		return nil
	})
}

func (r *FileRegistry) GetRun(_ context.Context, id string) (*models.Run, error) {
	var out *models.Run
	err := r.view(func(st *fileState) error {
		run, ok := st.Runs[id]
		if !ok {
			return fmt.Errorf("registry: run %s: %w", id, ErrNotFound)
		}
		out = run
		return nil
	})
	return out, err
}

func (r *FileRegistry) AddArtifactVersion(_ context.Context, a *models.ArtifactVersion) (*models.ArtifactVersion, bool, error) {
	var (
		stored  *models.ArtifactVersion
		created bool
	)
	err := r.update(func(st *fileState) error {
		key := artifactKey(a.Project, a.Name)
		entry, ok := st.Artifacts[key]
		if !ok {
			entry = &artifactEntry{Aliases: make(map[string]int), Usage: make(map[int][]string)}
			st.Artifacts[key] = entry
		}

		if n := len(entry.Versions); n > 0 && entry.Versions[n-1].Digest == a.Digest {
			stored = entry.withAliases(entry.Versions[n-1])
			return nil
		}

		v := *a
		v.Version = len(entry.Versions) + 1
		v.Aliases = nil
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
		entry.Versions = append(entry.Versions, &v)
		entry.Aliases[models.AliasLatest] = v.Version

		stored = entry.withAliases(&v)
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (e *artifactEntry) withAliases(v *models.ArtifactVersion) *models.ArtifactVersion {
	out := *v
	out.Aliases = nil
	for alias, ver := range e.Aliases {
		if ver == v.Version {
			out.Aliases = append(out.Aliases, alias)
		}
	}
	sort.Strings(out.Aliases)
	return &out
}

func (r *FileRegistry) ResolveArtifact(_ context.Context, ref models.ArtifactRef) (*models.ArtifactVersion, error) {
	var out *models.ArtifactVersion
	err := r.view(func(st *fileState) error {
		entry, ok := st.Artifacts[artifactKey(ref.Project, ref.Name)]
		if !ok {
			return fmt.Errorf("registry: artifact %s: %w", ref, ErrNotFound)
		}
		version, explicit := ref.Version()
		if !explicit {
			v, ok := entry.Aliases[ref.Alias]
			if !ok {
				return fmt.Errorf("registry: artifact %s: alias %q: %w", ref, ref.Alias, ErrNotFound)
			}
			version = v
		}
		if version < 1 || version > len(entry.Versions) {
			return fmt.Errorf("registry: artifact %s: %w", ref, ErrNotFound)
		}
		out = entry.withAliases(entry.Versions[version-1])
		return nil
	})
	return out, err
}

func (r *FileRegistry) SetAlias(_ context.Context, project, name string, version int, alias string) error {
	return r.update(func(st *fileState) error {
		entry, ok := st.Artifacts[artifactKey(project, name)]
		if !ok || version < 1 || version > len(entry.Versions) {
			return fmt.Errorf("registry: artifact %s:v%d: %w", artifactKey(project, name), version, ErrNotFound)
		}
		entry.Aliases[alias] = version
		return nil
	})
}

func (r *FileRegistry) ListArtifactVersions(_ context.Context, project, name string) ([]*models.ArtifactVersion, error) {
	var out []*models.ArtifactVersion
	err := r.view(func(st *fileState) error {
		entry, ok := st.Artifacts[artifactKey(project, name)]
		if !ok {
			return fmt.Errorf("registry: artifact %s: %w", artifactKey(project, name), ErrNotFound)
		}
		for _, v := range entry.Versions {
			out = append(out, entry.withAliases(v))
		}
		return nil
	})
	return out, err
}

func (r *FileRegistry) RecordUsage(_ context.Context, runID string, a *models.ArtifactVersion) error {
	return r.update(func(st *fileState) error {
		entry, ok := st.Artifacts[artifactKey(a.Project, a.Name)]
		if !ok {
			return fmt.Errorf("registry: artifact %s: %w", a.Ref(), ErrNotFound)
		}
		if entry.Usage == nil {
			entry.Usage = make(map[int][]string)
		}
		for _, id := range entry.Usage[a.Version] {
			if id == runID {
				return nil
			}
		}
		entry.Usage[a.Version] = append(entry.Usage[a.Version], runID)
		return nil
	})
}

func (r *FileRegistry) UsedBy(_ context.Context, project, name string, version int) ([]string, error) {
	var out []string
	err := r.view(func(st *fileState) error {
		entry, ok := st.Artifacts[artifactKey(project, name)]
		if !ok {
			return fmt.Errorf("registry: artifact %s: %w", artifactKey(project, name), ErrNotFound)
		}
		out = append(out, entry.Usage[version]...)
		return nil
	})
	return out, err
}

// Close is a no-op; the registry holds no open handles between calls.
func (r *FileRegistry) Close() error { return nil }

// IsNotFound reports whether err means a missing run or artifact.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
