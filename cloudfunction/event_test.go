package cloudfunction

import (
	"errors"
	"testing"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/go-cmp/cmp"
)

func boolPtr(b bool) *bool { return &b }

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		attrs map[string]string
		want  *Request
	}{
		{
			name: "event trigger with all attributes",
			attrs: map[string]string{
				"template_path":       "us-central1-kfp.pkg.dev/my-project/pipelines/train-pipeline/latest",
				"display_name":        "train",
				"pipeline_parameters": `{"learning_rate": 0.01, "epochs": 10}`,
				"enable_caching":      "False",
			},
			want: &Request{
				Source:        EventTrigger,
				TemplatePath:  "https://us-central1-kfp.pkg.dev/my-project/pipelines/train-pipeline/latest",
				DisplayName:   "train",
				Parameters:    map[string]any{"learning_rate": 0.01, "epochs": float64(10)},
				EnableCaching: boolPtr(false),
			},
		},
		{
			name: "event trigger without parameters or caching",
			data: `{"kind": "storage#object", "name": "data/new.csv"}`,
			attrs: map[string]string{
				"template_path": "gs://my-bucket/train.yaml",
				"display_name":  "train",
				"bucketId":      "my-bucket",
			},
			want: &Request{
				Source:       EventTrigger,
				TemplatePath: "gs://my-bucket/train.yaml",
				DisplayName:  "train",
			},
		},
		{
			name: "event trigger with unparseable parameters uses defaults",
			attrs: map[string]string{
				"template_path":       "example.com/train.yaml",
				"display_name":        "train",
				"pipeline_parameters": "{not json",
				"enable_caching":      "yes",
			},
			want: &Request{
				Source:        EventTrigger,
				TemplatePath:  "https://example.com/train.yaml",
				DisplayName:   "train",
				EnableCaching: boolPtr(true),
			},
		},
		{
			name: "cron trigger with object parameters",
			data: `{"template_path": "us-central1-kfp.pkg.dev/my-project/pipelines/train-pipeline/v1", "display_name": "nightly", "pipeline_parameters": {"epochs": 5}, "enable_caching": true}`,
			want: &Request{
				Source:        CronTrigger,
				TemplatePath:  "https://us-central1-kfp.pkg.dev/my-project/pipelines/train-pipeline/v1",
				DisplayName:   "nightly",
				Parameters:    map[string]any{"epochs": float64(5)},
				EnableCaching: boolPtr(true),
			},
		},
		{
			name: "cron trigger with string parameters and caching",
			data: `{"template_path": "example.com/train.yaml", "display_name": "nightly", "pipeline_parameters": "{\"epochs\": 5}", "enable_caching": "0"}`,
			want: &Request{
				Source:        CronTrigger,
				TemplatePath:  "https://example.com/train.yaml",
				DisplayName:   "nightly",
				Parameters:    map[string]any{"epochs": float64(5)},
				EnableCaching: boolPtr(false),
			},
		},
		{
			name: "cron trigger with empty parameters",
			data: `{"template_path": "example.com/train.yaml", "display_name": "nightly", "pipeline_parameters": {}}`,
			want: &Request{
				Source:       CronTrigger,
				TemplatePath: "https://example.com/train.yaml",
				DisplayName:  "nightly",
			},
		},
		{
			name:  "incomplete attributes fall back to cron payload",
			attrs: map[string]string{"template_path": "example.com/other.yaml"},
			data:  `{"template_path": "example.com/train.yaml", "display_name": "nightly"}`,
			want: &Request{
				Source:       CronTrigger,
				TemplatePath: "https://example.com/train.yaml",
				DisplayName:  "nightly",
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var data []byte
			if test.data != "" {
				data = []byte(test.data)
			}
			got, err := ParseEvent(discardLogger(), pubsubEvent(t, data, test.attrs))
			if err != nil {
				t.Fatalf("ParseEvent() failed: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("ParseEvent() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseEventInvalid(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		attrs map[string]string
	}{
		{name: "no attributes and no data"},
		{name: "data is not JSON", data: "run the pipeline"},
		{name: "payload without template path", data: `{"display_name": "nightly"}`},
		{name: "payload without display name", data: `{"template_path": "example.com/train.yaml"}`},
		{
			name: "payload with bad caching value",
			data: `{"template_path": "example.com/train.yaml", "display_name": "nightly", "enable_caching": "sometimes"}`,
		},
		{
			name: "payload with non boolean caching",
			data: `{"template_path": "example.com/train.yaml", "display_name": "nightly", "enable_caching": 2}`,
		},
		{
			name: "attributes with bad caching value",
			attrs: map[string]string{
				"template_path":  "example.com/train.yaml",
				"display_name":   "train",
				"enable_caching": "maybe",
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseEvent(discardLogger(), pubsubEvent(t, []byte(test.data), test.attrs))
			if !errors.Is(err, errInvalidMessage) {
				t.Errorf("ParseEvent() error = %v, want %v", err, errInvalidMessage)
			}
		})
	}
}

func TestParseEventUndecodableData(t *testing.T) {
	e := event.New()
	e.SetID("1")
	e.SetSource("test")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	if err := e.SetData(event.ApplicationJSON, []byte(`"not a message"`)); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	if _, err := ParseEvent(discardLogger(), e); !errors.Is(err, errInvalidMessage) {
		t.Errorf("ParseEvent() error = %v, want %v", err, errInvalidMessage)
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"y", "YES", "t", "True", "on", "1"} {
		if got, err := parseBool(s); err != nil || got == nil || !*got {
			t.Errorf("parseBool(%q) = (%v, %v), want true", s, got, err)
		}
	}
	for _, s := range []string{"n", "No", "f", "FALSE", "off", "0"} {
		if got, err := parseBool(s); err != nil || got == nil || *got {
			t.Errorf("parseBool(%q) = (%v, %v), want false", s, got, err)
		}
	}
	if got, err := parseBool(""); err != nil || got != nil {
		t.Errorf("parseBool(\"\") = (%v, %v), want unset", got, err)
	}
	if _, err := parseBool("2"); err == nil {
		t.Errorf("parseBool(\"2\") succeeded, want error")
	}
}
