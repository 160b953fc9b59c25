package cloudfunction

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VERTEX_CONFIG", "")
	t.Setenv("VERTEX_PROJECT_ID", "my-project")
	t.Setenv("VERTEX_LOCATION", "us-central1")
	t.Setenv("VERTEX_PIPELINE_ROOT", "gs://my-bucket/pipeline_root")
	t.Setenv("VERTEX_SA_EMAIL", "pipelines@my-project.iam.gserviceaccount.com")
	t.Setenv("VERTEX_CMEK_IDENTIFIER", "")
	t.Setenv("VERTEX_NETWORK", "")
	t.Setenv("VERTEX_METRICS_ENABLED", "")
	t.Setenv("VERTEX_LOG_LEVEL", "")
}

func TestLoadConfigFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VERTEX_NETWORK", "projects/123/global/networks/vpc")
	t.Setenv("VERTEX_METRICS_ENABLED", "true")
	t.Setenv("VERTEX_LOG_LEVEL", "debug")

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	want := &Config{
		ProjectID:      "my-project",
		Location:       "us-central1",
		PipelineRoot:   "gs://my-bucket/pipeline_root",
		ServiceAccount: "pipelines@my-project.iam.gserviceaccount.com",
		Network:        "projects/123/global/networks/vpc",
		MetricsEnabled: true,
		LogLevel:       "debug",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigEmptyOptionalValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VERTEX_CMEK_IDENTIFIER", " ")

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if got.CMEKIdentifier != "" || got.Network != "" {
		t.Errorf("LoadConfig() = CMEK %q network %q, want both empty", got.CMEKIdentifier, got.Network)
	}
}

func TestLoadConfigFileAndEnvPrecedence(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VERTEX_LOCATION", "europe-west4")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "location: us-east1\nnetwork: projects/123/global/networks/file-vpc\nlog_level: warn\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("VERTEX_CONFIG", path)
	// Unset rather than empty so the file value is kept.
	os.Unsetenv("VERTEX_NETWORK")
	os.Unsetenv("VERTEX_LOG_LEVEL")

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if got.Location != "europe-west4" {
		t.Errorf("Location = %q, want the environment value", got.Location)
	}
	if got.Network != "projects/123/global/networks/file-vpc" {
		t.Errorf("Network = %q, want the file value", got.Network)
	}
	if got.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want the file value", got.LogLevel)
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	for _, key := range []string{"VERTEX_PROJECT_ID", "VERTEX_LOCATION", "VERTEX_PIPELINE_ROOT", "VERTEX_SA_EMAIL"} {
		t.Run(key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(key, "")
			_, err := LoadConfig()
			if err == nil {
				t.Fatalf("LoadConfig() succeeded without %s, want error", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("LoadConfig() error = %q, want it to name %s", err, key)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VERTEX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Errorf("LoadConfig() succeeded with a missing config file, want error")
	}
}
