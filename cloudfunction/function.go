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

// Package cloudfunction implements the PipelineTrigger Cloud Function. It receives Pub/Sub
// messages from bucket notifications (event triggers) or Cloud Scheduler (cron triggers) and
// submits the referenced Vertex AI pipeline.
package cloudfunction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/logging"
	"github.com/cloudevents/sdk-go/v2/event"
	"golang.org/x/oauth2/google"
)

// FunctionName is the name PipelineTrigger is registered under.
const FunctionName = "PipelineTrigger"

const templateDownloadTimeout = time.Minute

func init() {
	functions.CloudEvent(FunctionName, PipelineTrigger)
}

var (
	handlerMu sync.Mutex
	handler   *Handler
	// Replaced in tests.
	newHandler = NewHandler
)

// PipelineTrigger is the CloudEvent entry point. Clients are created on the first successful
// initialization and reused by the instance. A failed initialization is retried by the next
// invocation.
func PipelineTrigger(ctx context.Context, e event.Event) error {
	h, err := sharedHandler()
	if err != nil {
		return fmt.Errorf("unable to initialize pipeline trigger: %v", err)
	}
	return h.Handle(ctx, e)
}

func sharedHandler() (*Handler, error) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	if handler != nil {
		return handler, nil
	}
	// Clients outlive the first request so they must not capture its context.
	h, err := newHandler(context.Background())
	if err != nil {
		return nil, err
	}
	handler = h
	return h, nil
}

// Handler submits a pipeline for every valid trigger message.
type Handler struct {
	logger    *slog.Logger
	submitter *Submitter
}

// NewHandler loads the configuration from the environment and creates the Google Cloud clients.
func NewHandler(ctx context.Context) (*Handler, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	submitter, err := NewDefaultSubmitter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Handler{logger: logger, submitter: submitter}, nil
}

// NewDefaultSubmitter creates a Submitter backed by Application Default Credentials.
func NewDefaultSubmitter(ctx context.Context, cfg *Config, logger *slog.Logger) (*Submitter, error) {
	aiPlatformService, err := NewAIPlatformService(ctx, cfg.Location)
	if err != nil {
		return nil, err
	}
	arService, err := NewArtifactRegistryService(ctx)
	if err != nil {
		return nil, err
	}
	registryClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("unable to create authorized http client: %v", err)
	}
	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to create gcs client: %v", err)
	}
	var metrics *TriggerMetrics
	if cfg.MetricsEnabled {
		metrics, err = NewTriggerMetrics(ctx, cfg.ProjectID, logger)
		if err != nil {
			return nil, err
		}
	}
	return NewSubmitter(cfg, aiPlatformService,
		NewTagResolver(arService, DefaultRetryPolicy),
		NewTemplateFetcher(registryClient, &http.Client{Timeout: templateDownloadTimeout}, gcsClient, DefaultRetryPolicy),
		metrics, logger), nil
}

// Handle processes one CloudEvent. Messages that cannot describe a pipeline run are logged and
// acknowledged so Pub/Sub does not redeliver them. Submission failures are returned.
func (h *Handler) Handle(ctx context.Context, e event.Event) error {
	h.logger.Debug("received event", "id", e.ID(), "source", e.Source(), "type", e.Type())
	req, err := ParseEvent(h.logger, e)
	if errors.Is(err, errInvalidMessage) {
		h.logger.Error("discarding message", "id", e.ID(), "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := h.submitter.Submit(ctx, req); err != nil {
		h.logger.Error("pipeline submission failed", "display_name", req.DisplayName, "error", err)
		return err
	}
	return nil
}
