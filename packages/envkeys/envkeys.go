// Package envkeys contains the environment variable keys read by the pipeline trigger tools
// and utility functions for key/value pairs passed on the command line or in the environment.
package envkeys

import (
	"fmt"
	"strings"
)

// Prefix is shared by every pipeline trigger environment variable.
const Prefix = "VERTEX_"

// Pipeline trigger environment variable keys.
const (
	ProjectIDEnvKey    = "VERTEX_PROJECT_ID"
	LocationEnvKey     = "VERTEX_LOCATION"
	PipelineRootEnvKey = "VERTEX_PIPELINE_ROOT"
	// ServiceAccountEnvKey is the email of the service account the pipeline runs as.
	ServiceAccountEnvKey = "VERTEX_SA_EMAIL"
	// CMEKEnvKey is the fully qualified Cloud KMS key used to encrypt pipeline resources.
	// An empty value means no customer managed key.
	CMEKEnvKey = "VERTEX_CMEK_IDENTIFIER"
	// NetworkEnvKey is the VPC network peered with Vertex AI. An empty value means no peering.
	NetworkEnvKey        = "VERTEX_NETWORK"
	MetricsEnabledEnvKey = "VERTEX_METRICS_ENABLED"
	LogLevelEnvKey       = "VERTEX_LOG_LEVEL"
	// ConfigFileEnvKey is the path to an optional YAML file with the same settings.
	ConfigFileEnvKey = "VERTEX_CONFIG"

	// UserEnvKey is appended as the local version label by update-toml-version.
	UserEnvKey = "USER"
	// ProjectEnvKey is the default project for topics named without a project.
	ProjectEnvKey = "GOOGLE_CLOUD_PROJECT"
)

// ConfigKey converts an environment variable key into its configuration key, for example
// VERTEX_SA_EMAIL becomes sa_email. The second return value is false for keys without Prefix.
func ConfigKey(envKey string) (string, bool) {
	if !strings.HasPrefix(envKey, Prefix) {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(envKey, Prefix)), true
}

// ParseKeyValues expects entries in the k=v format. It converts the slice to a map and checks
// for duplicates and malformed entries. Keys keep their case but two keys that only differ in
// case are still duplicates.
func ParseKeyValues(pairs []string) (map[string]string, error) {
	kv := make(map[string]string)
	seen := make(map[string]bool)

	for _, p := range pairs {
		pair := strings.SplitN(p, "=", 2)
		if len(pair) != 2 {
			return nil, fmt.Errorf("incorrect format %q - expected k=v", p)
		}

		key := strings.TrimSpace(pair[0])
		value := pair[1]
		if key == "" {
			return nil, fmt.Errorf("empty key in %q", p)
		}

		if seen[strings.ToLower(key)] {
			return nil, fmt.Errorf("duplicate key: %s", key)
		}
		seen[strings.ToLower(key)] = true
		kv[key] = value
	}
	return kv, nil
}
