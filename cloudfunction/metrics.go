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
	"fmt"
	"log/slog"
	"time"

	monitoring "cloud.google.com/go/monitoring/apiv3/v2"
	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"google.golang.org/api/option"
	metricpb "google.golang.org/genproto/googleapis/api/metric"
	monitoredrespb "google.golang.org/genproto/googleapis/api/monitoredres"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// triggerMetricType counts pipeline submissions.
const triggerMetricType = "custom.googleapis.com/vertex_pipelines/trigger_count"

// TriggerMetrics writes one Cloud Monitoring point per submission. A nil *TriggerMetrics
// records nothing.
type TriggerMetrics struct {
	client    *monitoring.MetricClient
	projectID string
	logger    *slog.Logger
	now       func() time.Time
}

// NewTriggerMetrics creates a metric client for projectID.
func NewTriggerMetrics(ctx context.Context, projectID string, logger *slog.Logger, opts ...option.ClientOption) (*TriggerMetrics, error) {
	client, err := monitoring.NewMetricClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric client: %w", err)
	}
	return &TriggerMetrics{client: client, projectID: projectID, logger: logger, now: time.Now}, nil
}

// Record writes a point for req. Failures are logged and otherwise ignored.
func (m *TriggerMetrics) Record(ctx context.Context, req *Request, outcome string) {
	if m == nil {
		return
	}
	request := &monitoringpb.CreateTimeSeriesRequest{
		Name:       fmt.Sprintf("projects/%s", m.projectID),
		TimeSeries: []*monitoringpb.TimeSeries{m.timeSeries(req, outcome)},
	}
	if err := m.client.CreateTimeSeries(ctx, request); err != nil {
		m.logger.Warn("failed to write trigger metric", "error", err)
	}
}

func (m *TriggerMetrics) timeSeries(req *Request, outcome string) *monitoringpb.TimeSeries {
	return &monitoringpb.TimeSeries{
		Metric: &metricpb.Metric{
			Type: triggerMetricType,
			Labels: map[string]string{
				"trigger":      req.Source,
				"display_name": req.DisplayName,
				"outcome":      outcome,
			},
		},
		Resource: &monitoredrespb.MonitoredResource{
			Type:   "global",
			Labels: map[string]string{"project_id": m.projectID},
		},
		Points: []*monitoringpb.Point{{
			Interval: &monitoringpb.TimeInterval{EndTime: timestamppb.New(m.now())},
			Value:    &monitoringpb.TypedValue{Value: &monitoringpb.TypedValue_Int64Value{Int64Value: 1}},
		}},
	}
}

// Close closes the metric client.
func (m *TriggerMetrics) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
