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
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/option"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	// maxJobIDLength is the longest pipeline job ID Vertex AI accepts.
	maxJobIDLength  = 128
	jobIDTimeFormat = "20060102150405"
	triggerLabel    = "trigger"
)

// Terminal pipeline job states.
const (
	stateSucceeded = "PIPELINE_STATE_SUCCEEDED"
	stateFailed    = "PIPELINE_STATE_FAILED"
	stateCancelled = "PIPELINE_STATE_CANCELLED"
)

// NewAIPlatformService generates a Service that can make API calls in the specified region.
// opts override the regional endpoint.
func NewAIPlatformService(ctx context.Context, region string, opts ...option.ClientOption) (*aiplatform.Service, error) {
	endpoint := option.WithEndpoint(fmt.Sprintf("https://%s-aiplatform.googleapis.com/", region))
	regionalService, err := aiplatform.NewService(ctx, append([]option.ClientOption{endpoint}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("unable to create aiplatform service: %v", err)
	}
	return regionalService, nil
}

// Submitter turns Requests into Vertex AI pipeline jobs.
type Submitter struct {
	cfg      *Config
	service  *aiplatform.Service
	resolver *TagResolver
	fetcher  *TemplateFetcher
	metrics  *TriggerMetrics
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewSubmitter returns a Submitter. metrics may be nil.
func NewSubmitter(cfg *Config, service *aiplatform.Service, resolver *TagResolver, fetcher *TemplateFetcher, metrics *TriggerMetrics, logger *slog.Logger) *Submitter {
	return &Submitter{
		cfg:      cfg,
		service:  service,
		resolver: resolver,
		fetcher:  fetcher,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.NewString()[:8] },
	}
}

// Submit resolves the template of req and creates the pipeline job.
func (s *Submitter) Submit(ctx context.Context, req *Request) (*aiplatform.GoogleCloudAiplatformV1PipelineJob, error) {
	job, err := s.submit(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.Record(ctx, req, outcome)
	return job, err
}

func (s *Submitter) submit(ctx context.Context, req *Request) (*aiplatform.GoogleCloudAiplatformV1PipelineJob, error) {
	templatePath, err := s.resolver.Resolve(ctx, req.TemplatePath)
	if err != nil {
		return nil, err
	}
	if templatePath != req.TemplatePath {
		s.logger.Info("resolved pipeline template", "template_path", req.TemplatePath, "resolved", templatePath)
	}

	data, err := s.fetcher.Fetch(ctx, templatePath)
	if err != nil {
		return nil, fmt.Errorf("unable to download pipeline template: %v", err)
	}
	spec, err := ParseTemplate(data)
	if err != nil {
		return nil, err
	}

	job, jobID, err := buildPipelineJob(s.cfg, req, templatePath, spec, s.now(), s.newID())
	if err != nil {
		return nil, err
	}
	s.logger.Info("submitting pipeline job",
		"job_id", jobID,
		"display_name", job.DisplayName,
		"template_path", templatePath,
		"parameters", req.Parameters,
		"enable_caching", req.EnableCaching,
		"trigger", req.Source)

	created, err := s.service.Projects.Locations.PipelineJobs.Create(s.cfg.parent(), job).PipelineJobId(jobID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to create pipeline job: %v", err)
	}
	s.logger.Info("created pipeline job", "name", created.Name, "console_url", consoleURL(s.cfg, jobID))
	return created, nil
}

// buildPipelineJob assembles the PipelineJob for req and returns it with its job ID.
func buildPipelineJob(cfg *Config, req *Request, templatePath string, spec PipelineSpec, now time.Time, suffix string) (*aiplatform.GoogleCloudAiplatformV1PipelineJob, string, error) {
	if err := spec.ValidateParameters(req.Parameters); err != nil {
		return nil, "", err
	}
	if req.EnableCaching != nil {
		spec.SetCaching(*req.EnableCaching)
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, "", fmt.Errorf("unable to marshal pipeline spec: %v", err)
	}

	runtimeConfig := &aiplatform.GoogleCloudAiplatformV1PipelineJobRuntimeConfig{
		GcsOutputDirectory: cfg.PipelineRoot,
	}
	if len(req.Parameters) > 0 {
		paramString, err := json.Marshal(req.Parameters)
		if err != nil {
			return nil, "", fmt.Errorf("unable to marshal params json: %v", err)
		}
		runtimeConfig.ParameterValues = paramString
	}

	job := &aiplatform.GoogleCloudAiplatformV1PipelineJob{
		DisplayName:    req.DisplayName,
		Labels:         map[string]string{triggerLabel: req.Source},
		PipelineSpec:   specJSON,
		RuntimeConfig:  runtimeConfig,
		ServiceAccount: cfg.ServiceAccount,
		Network:        cfg.Network,
	}
	if isRegistryURL(templatePath) {
		job.TemplateUri = templatePath
	}
	if cfg.CMEKIdentifier != "" {
		job.EncryptionSpec = &aiplatform.GoogleCloudAiplatformV1EncryptionSpec{KmsKeyName: cfg.CMEKIdentifier}
	}

	name := spec.Name()
	if name == "" {
		name = req.DisplayName
	}
	return job, jobID(name, now, suffix), nil
}

var invalidJobIDChars = regexp.MustCompile(`[^-0-9a-z]+`)

// jobID returns {name}-{UTC timestamp}-{suffix} with name lowercased, restricted to [-0-9a-z],
// prefixed with p- when it does not start with a letter and shortened to fit the job ID limit.
func jobID(name string, now time.Time, suffix string) string {
	name = strings.Trim(invalidJobIDChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	// Job IDs must start with a letter.
	if name != "" && (name[0] < 'a' || name[0] > 'z') {
		name = "p-" + name
	}
	tail := "-" + now.UTC().Format(jobIDTimeFormat) + "-" + suffix
	if len(name)+len(tail) > maxJobIDLength {
		name = strings.TrimRight(name[:maxJobIDLength-len(tail)], "-")
	}
	if name == "" {
		name = "pipeline"
	}
	return name + tail
}

func consoleURL(cfg *Config, jobID string) string {
	return fmt.Sprintf("https://console.cloud.google.com/vertex-ai/locations/%s/pipelines/runs/%s?project=%s", cfg.Location, jobID, cfg.ProjectID)
}

// GetJob returns the pipeline job with the given resource name.
func (s *Submitter) GetJob(ctx context.Context, name string) (*aiplatform.GoogleCloudAiplatformV1PipelineJob, error) {
	job, err := s.service.Projects.Locations.PipelineJobs.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to get pipeline job %s: %v", name, err)
	}
	return job, nil
}

// WaitForJob polls the job every interval until it reaches a terminal state or timeout
// elapses. Failed and cancelled jobs are returned with an error.
func (s *Submitter) WaitForJob(ctx context.Context, name string, interval, timeout time.Duration) (*aiplatform.GoogleCloudAiplatformV1PipelineJob, error) {
	var job *aiplatform.GoogleCloudAiplatformV1PipelineJob
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		var err error
		job, err = s.GetJob(ctx, name)
		if err != nil {
			return false, err
		}
		s.logger.Info("pipeline job state", "name", name, "state", job.State)
		switch job.State {
		case stateSucceeded, stateFailed, stateCancelled:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return job, fmt.Errorf("error waiting for pipeline job %s: %v", name, err)
	}
	if job.State != stateSucceeded {
		msg := job.State
		if job.Error != nil && job.Error.Message != "" {
			msg += ": " + job.Error.Message
		}
		return job, fmt.Errorf("pipeline job %s finished in state %s", name, msg)
	}
	return job, nil
}
