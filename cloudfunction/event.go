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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudevents/sdk-go/v2/event"
)

// Values of the trigger label attached to every submitted pipeline job.
const (
	EventTrigger  = "event_trigger"
	CronTrigger   = "cron_trigger"
	ManualTrigger = "manual_trigger"
)

// Message attribute and payload keys.
const (
	templatePathKey       = "template_path"
	displayNameKey        = "display_name"
	pipelineParametersKey = "pipeline_parameters"
	enableCachingKey      = "enable_caching"
)

// errInvalidMessage marks messages that can never be turned into a pipeline run.
var errInvalidMessage = errors.New("invalid trigger message")

// MessagePublishedData is the CloudEvent data of a google.cloud.pubsub.topic.v1.messagePublished
// event.
type MessagePublishedData struct {
	Message      PubsubMessage `json:"message"`
	Subscription string        `json:"subscription,omitempty"`
}

// PubsubMessage is the Pub/Sub message carried by a MessagePublishedData. Data is base64
// encoded on the wire.
type PubsubMessage struct {
	Data       []byte            `json:"data,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	MessageID  string            `json:"messageId,omitempty"`
}

// CronPayload is the JSON message data published by Cloud Scheduler jobs.
type CronPayload struct {
	TemplatePath       string         `json:"template_path"`
	DisplayName        string         `json:"display_name"`
	PipelineParameters map[string]any `json:"pipeline_parameters,omitempty"`
	EnableCaching      *bool          `json:"enable_caching,omitempty"`
}

// Request describes a pipeline run to submit.
type Request struct {
	// Source is the trigger label, one of EventTrigger, CronTrigger or ManualTrigger.
	Source string
	// TemplatePath is a gs:// or http(s):// URL of the compiled pipeline.
	TemplatePath string
	DisplayName  string
	// Parameters override the template's defaults. Empty means the defaults are used.
	Parameters map[string]any
	// EnableCaching overrides the compiled caching options when set.
	EnableCaching *bool
}

// ParseEvent normalizes a Pub/Sub CloudEvent into a Request. Messages whose attributes name a
// template and a display name are event triggers (bucket notifications). Otherwise the message
// data must be a cron payload. Errors wrapping errInvalidMessage mean neither shape matched.
func ParseEvent(logger *slog.Logger, e event.Event) (*Request, error) {
	var msg MessagePublishedData
	if err := e.DataAs(&msg); err != nil {
		return nil, fmt.Errorf("%w: unable to decode event data: %v", errInvalidMessage, err)
	}

	if req, ok, err := fromAttributes(logger, msg.Message.Attributes); ok {
		if err != nil {
			return nil, err
		}
		logger.Info("received message from event trigger", "display_name", req.DisplayName)
		return req, nil
	}

	req, err := fromPayload(logger, msg.Message.Data)
	if err != nil {
		return nil, err
	}
	logger.Info("received message from cron trigger", "display_name", req.DisplayName)
	return req, nil
}

// fromAttributes reports ok when the attributes carry an event trigger.
func fromAttributes(logger *slog.Logger, attrs map[string]string) (*Request, bool, error) {
	templatePath := strings.TrimSpace(attrs[templatePathKey])
	displayName := attrs[displayNameKey]
	if templatePath == "" || displayName == "" {
		return nil, false, nil
	}

	params, found := attrs[pipelineParametersKey]
	if !found {
		logger.Info("pipeline parameters not provided, using template's default")
		params = "{}"
	}
	caching, err := parseBool(attrs[enableCachingKey])
	if err != nil {
		return nil, true, fmt.Errorf("%w: attribute %s: %v", errInvalidMessage, enableCachingKey, err)
	}
	return &Request{
		Source:        EventTrigger,
		TemplatePath:  NormalizeTemplatePath(templatePath),
		DisplayName:   displayName,
		Parameters:    parseParameters(logger, params),
		EnableCaching: caching,
	}, true, nil
}

func fromPayload(logger *slog.Logger, data []byte) (*Request, error) {
	var payload struct {
		TemplatePath       string          `json:"template_path"`
		DisplayName        string          `json:"display_name"`
		PipelineParameters json.RawMessage `json:"pipeline_parameters"`
		EnableCaching      json.RawMessage `json:"enable_caching"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: message has no trigger attributes and its data is not a JSON payload: %v", errInvalidMessage, err)
	}
	if strings.TrimSpace(payload.TemplatePath) == "" {
		return nil, fmt.Errorf("%w: payload is missing %s", errInvalidMessage, templatePathKey)
	}
	if payload.DisplayName == "" {
		return nil, fmt.Errorf("%w: payload is missing %s", errInvalidMessage, displayNameKey)
	}

	req := &Request{
		Source:       CronTrigger,
		TemplatePath: NormalizeTemplatePath(payload.TemplatePath),
		DisplayName:  payload.DisplayName,
	}

	// pipeline_parameters may be an object or a JSON encoded string.
	raw := bytes.TrimSpace(payload.PipelineParameters)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errInvalidMessage, pipelineParametersKey, err)
		}
		req.Parameters = parseParameters(logger, s)
	default:
		if err := json.Unmarshal(raw, &req.Parameters); err != nil {
			logger.Warn("unable to parse pipeline parameters, using template's default", "error", err)
			req.Parameters = nil
		}
		if len(req.Parameters) == 0 {
			req.Parameters = nil
		}
	}

	raw = bytes.TrimSpace(payload.EnableCaching)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errInvalidMessage, enableCachingKey, err)
		}
		caching, err := parseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errInvalidMessage, enableCachingKey, err)
		}
		req.EnableCaching = caching
	default:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %s must be a boolean: %v", errInvalidMessage, enableCachingKey, err)
		}
		req.EnableCaching = &b
	}
	return req, nil
}

// parseParameters decodes a JSON object of parameter values. Values that cannot be decoded fall
// back to the template's defaults.
func parseParameters(logger *slog.Logger, s string) map[string]any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		logger.Warn("unable to parse pipeline parameters, using template's default", "error", err)
		return nil
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// parseBool converts a truth value string. Empty means unset.
func parseBool(s string) (*bool, error) {
	var b bool
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return nil, nil
	case "y", "yes", "t", "true", "on", "1":
		b = true
	case "n", "no", "f", "false", "off", "0":
		b = false
	default:
		return nil, fmt.Errorf("invalid truth value %q", s)
	}
	return &b, nil
}

// NormalizeTemplatePath prefixes scheme-less paths with https://.
func NormalizeTemplatePath(p string) string {
	p = strings.TrimSpace(p)
	if strings.Contains(p, "://") {
		return p
	}
	return "https://" + p
}
