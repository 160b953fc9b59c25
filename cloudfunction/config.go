// Copyright 2023 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudfunction

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/envkeys"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the settings shared by every pipeline submission.
type Config struct {
	// ProjectID of the project the pipeline runs in.
	ProjectID string `koanf:"project_id"`
	// Location is the Vertex AI region, e.g. us-central1.
	Location string `koanf:"location"`
	// PipelineRoot is the Cloud Storage directory pipeline artifacts are written to.
	PipelineRoot   string `koanf:"pipeline_root"`
	ServiceAccount string `koanf:"sa_email"`
	// CMEKIdentifier is the Cloud KMS key name. Empty means Google managed encryption.
	CMEKIdentifier string `koanf:"cmek_identifier"`
	// Network is the peered VPC network. Empty means no peering.
	Network        string `koanf:"network"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	LogLevel       string `koanf:"log_level"`
}

func defaultConfig() Config {
	return Config{LogLevel: "info"}
}

// LoadConfig builds a Config by layering, from low to high precedence, defaults, the YAML file
// named by VERTEX_CONFIG and VERTEX_ environment variables.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(envkeys.ConfigFileEnvKey); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("unable to load config file %s: %v", path, err)
		}
	}

	// VERTEX_SA_EMAIL -> sa_email. Underscores are kept to match the koanf tags.
	envProvider := env.Provider(envkeys.Prefix, ".", func(s string) string {
		key, _ := envkeys.ConfigKey(s)
		return key
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("unable to load environment: %v", err)
	}

	cfg := defaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %v", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.CMEKIdentifier = strings.TrimSpace(c.CMEKIdentifier)
	c.Network = strings.TrimSpace(c.Network)
	if c.LogLevel == "" {
		c.LogLevel = defaultConfig().LogLevel
	}

	required := []struct {
		envKey string
		value  string
	}{
		{envkeys.ProjectIDEnvKey, c.ProjectID},
		{envkeys.LocationEnvKey, c.Location},
		{envkeys.PipelineRootEnvKey, c.PipelineRoot},
		{envkeys.ServiceAccountEnvKey, c.ServiceAccount},
	}
	var errs []error
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("required setting %s not found", r.envKey))
		}
	}
	return errors.Join(errs...)
}

// parent returns the Vertex AI location resource name.
func (c *Config) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.ProjectID, c.Location)
}
