package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"airbnb-pipeline/tracking"
	"airbnb-pipeline/utils"
)

// Download fetches a sample file and logs it as the raw data artifact.
type Download struct{}

func (Download) Name() string { return StepDownload }

type sampleSource struct {
	location string
	remote   bool
}

func (Download) Run(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet(StepDownload, env.Stdout)
	sample := fs.String("sample", "", "Sample file name, local path or http(s) URL")
	artifactName := fs.String("artifact_name", "", "Name of the artifact to log")
	artifactType := fs.String("artifact_type", "raw_data", "Type of the artifact")
	artifactDescription := fs.String("artifact_description", "Raw file as downloaded", "Description of the artifact")
	repo := fs.String("components_repository", "", "Repository holding get_data/data/<sample>, as URL or directory")
	if err := parseFlags(fs, args, "sample", "artifact_name"); err != nil {
		return err
	}

	return env.track(ctx, StepDownload, flagValues(fs), func(run *tracking.Run) error {
		src, err := resolveSample(*sample, *repo)
		if err != nil {
			return err
		}

		local := src.location
		if src.remote {
			local = env.path(path.Base(*sample))
			if err := env.fetch(ctx, src.location, local); err != nil {
				return err
			}
		}

		info, err := os.Stat(local)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		env.Logger.Info("[download] %s → %s (%d bytes)", src.location, local, info.Size())

		if err := env.logArtifact(ctx, run, tracking.ArtifactSpec{
			Name:        *artifactName,
			Type:        *artifactType,
			Description: *artifactDescription,
		}, local); err != nil {
			return err
		}
		return env.logSummary(ctx, run, StepDownload, map[string]float64{"bytes": float64(info.Size())})
	})
}

// resolveSample decides where a sample comes from. In order: a sample that
// is itself an http(s) URL, <repo>/get_data/data/<sample> for a remote or
// local repository, and finally the sample as a local path.
func resolveSample(sample, repo string) (sampleSource, error) {
	if isHTTP(sample) {
		return sampleSource{location: sample, remote: true}, nil
	}
	if isHTTP(repo) {
		u, err := url.JoinPath(repo, "get_data", "data", sample)
		if err != nil {
			return sampleSource{}, fmt.Errorf("download: bad repository url %q: %w", repo, err)
		}
		return sampleSource{location: u, remote: true}, nil
	}
	if repo != "" {
		p := filepath.Join(repo, "get_data", "data", sample)
		if _, err := os.Stat(p); err == nil {
			return sampleSource{location: p}, nil
		}
	}
	if _, err := os.Stat(sample); err == nil {
		return sampleSource{location: sample}, nil
	}
	return sampleSource{}, fmt.Errorf("download: sample %q not found (components repository %q)", sample, repo)
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// fetch downloads rawURL to dest, retrying transient failures.
func (e *Env) fetch(ctx context.Context, rawURL, dest string) error {
	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	retry := e.Retry
	if retry == nil {
		retry = &utils.RetryConfig{MaxAttempts: 1, Logger: e.Logger}
	}
	return retry.Do(ctx, "download "+rawURL, func(ctx context.Context) error {
		return fetchOnce(ctx, client, rawURL, dest)
	})
}

func fetchOnce(ctx context.Context, client *http.Client, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return utils.Permanent(fmt.Errorf("download: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return utils.Permanent(fmt.Errorf("download: %s: HTTP %d", rawURL, resp.StatusCode))
	default:
		return fmt.Errorf("download: %s: HTTP %d", rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download: read body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	return os.Rename(tmp.Name(), dest)
}
