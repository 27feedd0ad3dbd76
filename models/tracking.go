package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a tracked run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// Run is one execution of a pipeline step as recorded by the tracker.
type Run struct {
	ID         string             `json:"id" db:"id"`
	Project    string             `json:"project" db:"project"`
	Group      string             `json:"group" db:"run_group"`
	JobType    string             `json:"job_type" db:"job_type"`
	Status     RunStatus          `json:"status" db:"status"`
	Config     map[string]string  `json:"config" db:"-"`
	Summary    map[string]float64 `json:"summary" db:"-"`
	Error      string             `json:"error,omitempty" db:"error"`
	StartedAt  time.Time          `json:"started_at" db:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty" db:"finished_at"`
}

// ArtifactVersion is one immutable version of a named artifact.
type ArtifactVersion struct {
	Project     string    `json:"project" db:"project"`
	Name        string    `json:"name" db:"name"`
	Version     int       `json:"version" db:"version"`
	Type        string    `json:"type" db:"type"`
	Description string    `json:"description" db:"description"`
	Digest      string    `json:"digest" db:"digest"`
	Size        int64     `json:"size" db:"size"`
	RunID       string    `json:"run_id" db:"run_id"`
	Aliases     []string  `json:"aliases" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Ref returns the fully qualified reference of this version, e.g.
// "nyc_airbnb/clean_sample.csv:v3".
func (a *ArtifactVersion) Ref() string {
	return fmt.Sprintf("%s/%s:v%d", a.Project, a.Name, a.Version)
}

// HasAlias reports whether alias currently points at this version.
func (a *ArtifactVersion) HasAlias(alias string) bool {
	for _, al := range a.Aliases {
		if al == alias {
			return true
		}
	}
	return false
}

// AliasLatest always points at the newest version of an artifact.
const AliasLatest = "latest"

// ArtifactRef addresses an artifact version as [project/]name[:alias].
type ArtifactRef struct {
	Project string
	Name    string
	Alias   string
}

// ParseArtifactRef parses s, filling in defaultProject when s has no project
// part and "latest" when it has no alias.
func ParseArtifactRef(s, defaultProject string) (ArtifactRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ArtifactRef{}, fmt.Errorf("artifact ref: empty reference")
	}

	ref := ArtifactRef{Project: defaultProject, Alias: AliasLatest}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		ref.Alias = s[i+1:]
		s = s[:i]
		if ref.Alias == "" {
			return ArtifactRef{}, fmt.Errorf("artifact ref %q: empty alias", s)
		}
	}
	if i := strings.Index(s, "/"); i >= 0 {
		ref.Project = s[:i]
		s = s[i+1:]
	}
	ref.Name = s

	if ref.Project == "" {
		return ArtifactRef{}, fmt.Errorf("artifact ref %q: no project given and no default project", s)
	}
	if ref.Name == "" || strings.Contains(ref.Name, "/") {
		return ArtifactRef{}, fmt.Errorf("artifact ref: invalid artifact name %q", ref.Name)
	}
	return ref, nil
}

// Version returns the explicit version number when the alias has the form
// "vN".
func (r ArtifactRef) Version() (int, bool) {
	if len(r.Alias) < 2 || r.Alias[0] != 'v' {
		return 0, false
	}
	n, err := strconv.Atoi(r.Alias[1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (r ArtifactRef) String() string {
	return r.Project + "/" + r.Name + ":" + r.Alias
}
