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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/gcs"
	"github.com/avast/retry-go/v4"
	"google.golang.org/api/googleapi"
	"sigs.k8s.io/yaml"
)

// maxTemplateSize bounds template downloads.
// maxTemplateSize bounds template downloads.
var maxTemplateSize int64 = 32 << 20

// RetryPolicy controls retries of idempotent reads.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

// DefaultRetryPolicy is used for tag lookups and template downloads.
var DefaultRetryPolicy = RetryPolicy{Attempts: 4, Delay: 2 * time.Second}

func (p RetryPolicy) options(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	}
}

// httpStatusError is returned for unsuccessful template downloads.
type httpStatusError struct {
	url  string
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("GET %s returned %d %s", e.url, e.code, http.StatusText(e.code))
}

// isRetryable reports whether err is a throttling or server side failure.
func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.code == http.StatusTooManyRequests || statusErr.code >= 500
	}
	return false
}

// TemplateFetcher downloads compiled pipeline templates.
type TemplateFetcher struct {
	registryClient *http.Client
	publicClient   *http.Client
	gcsClient      *storage.Client
	retry          RetryPolicy
}

// NewTemplateFetcher returns a TemplateFetcher. registryClient attaches Google credentials and
// is only used for Artifact Registry URLs. Every other HTTPS template is read with
// publicClient, which must not carry credentials. gcsClient may be nil if no template is read
// from Cloud Storage.
func NewTemplateFetcher(registryClient, publicClient *http.Client, gcsClient *storage.Client, policy RetryPolicy) *TemplateFetcher {
	return &TemplateFetcher{
		registryClient: registryClient,
		publicClient:   publicClient,
		gcsClient:      gcsClient,
		retry:          policy,
	}
}

// Fetch returns the raw template at uri.
func (f *TemplateFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if gcs.IsGCSURI(uri) {
		if f.gcsClient == nil {
			return nil, fmt.Errorf("unable to read %s: no storage client configured", uri)
		}
		return gcs.ReadObject(ctx, f.gcsClient, uri)
	}
	if !strings.HasPrefix(strings.ToLower(uri), "https://") {
		return nil, fmt.Errorf("unsupported template path %q, must be gs:// or https://", uri)
	}
	client := f.publicClient
	if isRegistryURL(uri) {
		client = f.registryClient
	}
	return retry.DoWithData(func() ([]byte, error) {
		return f.get(ctx, client, uri)
	}, f.retry.options(ctx)...)
}

func (f *TemplateFetcher) get(ctx context.Context, client *http.Client, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{url: uri, code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTemplateSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxTemplateSize {
		return nil, retry.Unrecoverable(fmt.Errorf("template %s exceeds %d bytes", uri, maxTemplateSize))
	}
	return data, nil
}

// PipelineSpec is a compiled KFP pipeline spec decoded as generic JSON.
type PipelineSpec map[string]any

// ParseTemplate decodes a YAML or JSON template. Templates wrapping the spec in a pipelineSpec
// field (PipelineJob JSON) are unwrapped.
func ParseTemplate(data []byte) (PipelineSpec, error) {
	j, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pipeline template: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(j, &doc); err != nil {
		return nil, fmt.Errorf("pipeline template is not an object: %v", err)
	}
	if inner, ok := doc["pipelineSpec"].(map[string]any); ok {
		doc = inner
	}
	if _, ok := doc["root"].(map[string]any); !ok {
		return nil, errors.New("pipeline template has no root component")
	}
	return PipelineSpec(doc), nil
}

// Name returns pipelineInfo.name.
func (s PipelineSpec) Name() string {
	info, _ := s["pipelineInfo"].(map[string]any)
	name, _ := info["name"].(string)
	return name
}

// InputParameters returns the sorted names of the root parameters.
func (s PipelineSpec) InputParameters() []string {
	root, _ := s["root"].(map[string]any)
	defs, _ := root["inputDefinitions"].(map[string]any)
	params, _ := defs["parameters"].(map[string]any)
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateParameters rejects parameter names the pipeline does not declare.
func (s PipelineSpec) ValidateParameters(params map[string]any) error {
	declared := make(map[string]bool)
	for _, name := range s.InputParameters() {
		declared[name] = true
	}
	var unknown []string
	for name := range params {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("pipeline %q has no parameters named %s", s.Name(), strings.Join(unknown, ", "))
	}
	return nil
}

// SetCaching overrides the caching options of every task in the root DAG and in every
// component DAG.
func (s PipelineSpec) SetCaching(enable bool) {
	components := []any{s["root"]}
	if cs, ok := s["components"].(map[string]any); ok {
		names := make([]string, 0, len(cs))
		for name := range cs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			components = append(components, cs[name])
		}
	}
	for _, c := range components {
		comp, _ := c.(map[string]any)
		dag, _ := comp["dag"].(map[string]any)
		tasks, _ := dag["tasks"].(map[string]any)
		for _, t := range tasks {
			if task, ok := t.(map[string]any); ok {
				task["cachingOptions"] = map[string]any{"enableCache": enable}
			}
		}
	}
}
