package steps

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"airbnb-pipeline/models"
	"airbnb-pipeline/observability"
	"airbnb-pipeline/storage"
	"airbnb-pipeline/tracking"
	"airbnb-pipeline/utils"
)

const testProject = "nyc_airbnb_test"

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	logger := utils.NopLogger()
	tr, err := tracking.Open(t.TempDir(), nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	return &Env{
		Tracker:    tr,
		Logger:     logger,
		Metrics:    observability.NewMetrics(),
		Retry:      &utils.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Logger: logger},
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Project:    testProject,
		Group:      "unit",
		WorkDir:    t.TempDir(),
		Stdout:     &bytes.Buffer{},
	}
}

// writeListings writes n synthetic listings whose price depends on the
// borough and room type. Every tenth row gets a price outside [10, 350].
func writeListings(t *testing.T, n int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	base := map[string]float64{"Bronx": 60, "Brooklyn": 110, "Manhattan": 180, "Queens": 80, "Staten Island": 70}

	tbl := storage.NewTable(models.ListingColumns)
	for i := 0; i < n; i++ {
		group := models.NeighbourhoodGroups[rng.Intn(len(models.NeighbourhoodGroups))]
		room := models.RoomTypes[rng.Intn(3)]
		price := base[group] * (1 + 0.2*rng.Float64())
		if room == "Private room" {
			price *= 0.6
		}
		priceCell := fmt.Sprintf("%.0f", price)
		if i%10 == 0 {
			priceCell = "5000"
		}
		lastReview := fmt.Sprintf("2019-%02d-%02d", 1+rng.Intn(12), 1+rng.Intn(28))
		if i%7 == 0 {
			lastReview = ""
		}
		tbl.Rows = append(tbl.Rows, []string{
			fmt.Sprint(i), fmt.Sprintf("Nice %s in %s", strings.ToLower(room), group),
			fmt.Sprint(1000 + i), "Host", group, "Somewhere",
			fmt.Sprintf("%.5f", 40.5+rng.Float64()/2), fmt.Sprintf("%.5f", -74+rng.Float64()/2),
			room, priceCell, fmt.Sprint(1 + rng.Intn(5)), fmt.Sprint(rng.Intn(100)),
			lastReview, fmt.Sprintf("%.2f", rng.Float64()*3), fmt.Sprint(1 + rng.Intn(3)), fmt.Sprint(rng.Intn(366)),
		})
	}
	path := filepath.Join(t.TempDir(), "sample1.csv")
	require.NoError(t, storage.WriteCSV(path, tbl))
	return path
}

func runStep(t *testing.T, env *Env, name string, args ...string) error {
	t.Helper()
	s, err := Lookup(name)
	require.NoError(t, err)
	return s.Run(context.Background(), env, args)
}

func ref(name, alias string) string {
	return testProject + "/" + name + ":" + alias
}

func TestPipelineEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("trains a forest")
	}
	env := newTestEnv(t)
	ctx := context.Background()
	sample := writeListings(t, 17000)

	require.NoError(t, runStep(t, env, StepDownload,
		"--sample", sample, "--artifact_name", "sample.csv",
		"--artifact_type", "raw_data", "--artifact_description", "Raw file as downloaded"))

	require.NoError(t, runStep(t, env, StepBasicCleaning,
		"--input_artifact", ref("sample.csv", "latest"), "--artifact_name", "clean_sample.csv",
		"--artifact_type", "clean_sample", "--artifact_description", "Data with outliers removed",
		"--min_price", "10", "--max_price", "350"))

	clean, cleanPath, err := env.Tracker.Resolve(ctx, "clean_sample.csv", testProject)
	require.NoError(t, err)
	require.Equal(t, 1, clean.Version)
	cleaned, err := storage.ReadCSV(cleanPath)
	require.NoError(t, err)
	require.Equal(t, 15300, cleaned.Len())
	require.Equal(t, 15300.0, testutil.ToFloat64(env.Metrics.RowsTotal.WithLabelValues(StepBasicCleaning, "kept")))

	_, err = env.Tracker.Promote(ctx, ref("clean_sample.csv", "v1"), testProject, "reference")
	require.NoError(t, err)

	require.NoError(t, runStep(t, env, StepDataCheck,
		"--csv", ref("clean_sample.csv", "latest"), "--ref", ref("clean_sample.csv", "reference"),
		"--kl_threshold", "0.2", "--min_price", "10", "--max_price", "350"))

	require.NoError(t, runStep(t, env, StepDataSplit,
		"--input", ref("clean_sample.csv", "latest"), "--test_size", "0.2",
		"--random_seed", "42", "--stratify_by", "neighbourhood_group"))

	_, testPath, err := env.Tracker.Resolve(ctx, TestArtifact, testProject)
	require.NoError(t, err)
	testTable, err := storage.ReadCSV(testPath)
	require.NoError(t, err)
	require.Equal(t, 3060, testTable.Len())

	rfConfig := filepath.Join(t.TempDir(), "rf_config.json")
	require.NoError(t, os.WriteFile(rfConfig, []byte(
		`{"n_estimators": 4, "max_depth": 6, "min_samples_split": 4, "min_samples_leaf": 3, "n_jobs": -1, "criterion": "squared_error", "max_features": 0.5}`), 0644))

	require.NoError(t, runStep(t, env, StepTrainRandomForest,
		"--trainval_artifact", ref(TrainValArtifact, "latest"), "--rf_config", rfConfig,
		"--val_size", "0.2", "--random_seed", "42", "--stratify", "neighbourhood_group",
		"--max_tfidf_features", "5", "--output_artifact", "random_forest_model"))

	model, _, err := env.Tracker.Resolve(ctx, "random_forest_model", testProject)
	require.NoError(t, err)
	require.Equal(t, ModelExportType, model.Type)
	trainRun, err := env.Tracker.GetRun(ctx, model.RunID)
	require.NoError(t, err)
	require.Equal(t, models.RunFinished, trainRun.Status)
	require.Greater(t, trainRun.Summary["r2"], 0.5)
	require.Equal(t, "42", trainRun.Config["random_seed"])

	err = runStep(t, env, StepTestRegressionModel,
		"--mlflow_model", ref("random_forest_model", "prod"), "--test_dataset", ref(TestArtifact, "latest"))
	require.True(t, storage.IsNotFound(err), "model must be promoted to prod first, got %v", err)

	_, err = env.Tracker.Promote(ctx, ref("random_forest_model", "latest"), testProject, "prod")
	require.NoError(t, err)
	require.NoError(t, runStep(t, env, StepTestRegressionModel,
		"--mlflow_model", ref("random_forest_model", "prod"), "--test_dataset", ref(TestArtifact, "latest")))

	// The cleaned sample was consumed by the check and the split only; the
	// check used it twice (latest and reference) but counts once.
	users, err := env.Tracker.Lineage(ctx, clean)
	require.NoError(t, err)
	require.Len(t, users, 2)
}

func TestBasicCleaningKeepsOnlyPricesInRange(t *testing.T) {
	env := newTestEnv(t)
	src := filepath.Join(t.TempDir(), "raw.csv")
	require.NoError(t, os.WriteFile(src, []byte("id,name,price\n1,a,9\n2,b,10\n3,c,350\n4,d,351\n5,e,\n6,f,abc\n7,g,100.5\n"), 0644))

	require.NoError(t, runStep(t, env, StepDownload, "--sample", src, "--artifact_name", "raw.csv"))
	require.NoError(t, runStep(t, env, StepBasicCleaning,
		"--input_artifact", "raw.csv", "--artifact_name", "clean.csv",
		"--min_price", "10", "--max_price", "350"))

	v, path, err := env.Tracker.Resolve(context.Background(), "clean.csv", testProject)
	require.NoError(t, err)
	require.Equal(t, "raw_data", v.Type)
	require.Equal(t, "Preprocessed data from the original data sources", v.Description)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "id,name,price\n2,b,10\n3,c,350\n7,g,100.5\n", string(data))

	run, err := env.Tracker.GetRun(context.Background(), v.RunID)
	require.NoError(t, err)
	require.Equal(t, 7.0, run.Summary["rows_in"])
	require.Equal(t, 3.0, run.Summary["rows_out"])
	require.Equal(t, 4.0, run.Summary["rows_dropped"])
}

func TestBasicCleaningArgumentErrors(t *testing.T) {
	env := newTestEnv(t)

	err := runStep(t, env, StepBasicCleaning, "--input_artifact", "x", "--artifact_name", "y", "--min_price", "10")
	var usage *UsageError
	require.ErrorAs(t, err, &usage)
	require.Contains(t, err.Error(), "--max_price")

	err = runStep(t, env, StepBasicCleaning, "--input_artifact", "x", "--artifact_name", "y",
		"--min_price", "100", "--max_price", "10")
	require.ErrorAs(t, err, &usage)

	err = runStep(t, env, StepBasicCleaning, "--bogus", "1")
	require.ErrorAs(t, err, &usage)

	require.ErrorIs(t, runStep(t, env, StepBasicCleaning, "-h"), flag.ErrHelp)
}

func TestBasicCleaningFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	err := runStep(t, env, StepBasicCleaning, "--input_artifact", "missing.csv", "--artifact_name", "y",
		"--min_price", "1", "--max_price", "2")
	require.True(t, storage.IsNotFound(err))
	require.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.StepRuns.WithLabelValues(StepBasicCleaning, "failed")))
}

func TestDataCheckFailsOnSmallSample(t *testing.T) {
	env := newTestEnv(t)
	sample := writeListings(t, 200)
	require.NoError(t, runStep(t, env, StepDownload, "--sample", sample, "--artifact_name", "sample.csv"))
	_, err := env.Tracker.Promote(context.Background(), "sample.csv:v1", testProject, "reference")
	require.NoError(t, err)

	err = runStep(t, env, StepDataCheck,
		"--csv", "sample.csv", "--ref", "sample.csv:reference",
		"--kl_threshold", "0.2", "--min_price", "10", "--max_price", "350")
	require.ErrorContains(t, err, "2 of 5 checks failed: row_count, price_range")
}

func TestDataCheckNeedsReference(t *testing.T) {
	env := newTestEnv(t)
	sample := writeListings(t, 20)
	require.NoError(t, runStep(t, env, StepDownload, "--sample", sample, "--artifact_name", "sample.csv"))

	err := runStep(t, env, StepDataCheck,
		"--csv", "sample.csv", "--ref", "sample.csv:reference",
		"--kl_threshold", "0.2", "--min_price", "10", "--max_price", "350")
	require.ErrorContains(t, err, "artifacts promote")
}

func TestDownloadFromRepository(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/get_data/data/sample1.csv" && hits.Add(1) == 1:
			http.Error(w, "try again", http.StatusServiceUnavailable)
		case r.URL.Path == "/get_data/data/sample1.csv":
			fmt.Fprint(w, "id,price\n1,100\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	env := newTestEnv(t)
	require.NoError(t, runStep(t, env, StepDownload,
		"--sample", "sample1.csv", "--artifact_name", "sample.csv", "--components_repository", srv.URL))
	require.Equal(t, int32(2), hits.Load())

	v, _, err := env.Tracker.Resolve(context.Background(), "sample.csv", testProject)
	require.NoError(t, err)
	require.Equal(t, int64(len("id,price\n1,100\n")), v.Size)

	err = runStep(t, env, StepDownload,
		"--sample", "missing.csv", "--artifact_name", "sample.csv", "--components_repository", srv.URL)
	require.ErrorContains(t, err, "HTTP 404")
}

func TestResolveSample(t *testing.T) {
	repo := t.TempDir()
	inRepo := filepath.Join(repo, "get_data", "data", "sample2.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(inRepo), 0755))
	require.NoError(t, os.WriteFile(inRepo, []byte("id\n"), 0644))

	src, err := resolveSample("https://host/x.csv", repo)
	require.NoError(t, err)
	require.Equal(t, sampleSource{location: "https://host/x.csv", remote: true}, src)

	src, err = resolveSample("sample2.csv", "https://host/components/")
	require.NoError(t, err)
	require.Equal(t, "https://host/components/get_data/data/sample2.csv", src.location)

	src, err = resolveSample("sample2.csv", repo)
	require.NoError(t, err)
	require.Equal(t, sampleSource{location: inRepo}, src)

	src, err = resolveSample(inRepo, "")
	require.NoError(t, err)
	require.False(t, src.remote)

	_, err = resolveSample("nope.csv", repo)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	require.Equal(t, []string{
		StepDownload, StepBasicCleaning, StepDataCheck, StepDataSplit, StepTrainRandomForest, StepTestRegressionModel,
	}, Names())

	_, err := Lookup("train")
	require.Error(t, err)
	require.False(t, errors.Is(err, flag.ErrHelp))
}
