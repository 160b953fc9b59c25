package cloudfunction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/option"
)

const testTemplate = `pipelineInfo:
  name: train-pipeline
root:
  inputDefinitions:
    parameters:
      learning_rate:
        parameterType: NUMBER_DOUBLE
      epochs:
        parameterType: NUMBER_INTEGER
  dag:
    tasks:
      train:
        componentRef:
          name: comp-train
        cachingOptions:
          enableCache: true
components:
  comp-train:
    executorLabel: exec-train
  comp-eval:
    dag:
      tasks:
        score:
          componentRef:
            name: comp-score
schemaVersion: 2.1.0
sdkVersion: kfp-2.7.0
`

var testRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Millisecond}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	return &Config{
		ProjectID:      "my-project",
		Location:       "us-central1",
		PipelineRoot:   "gs://my-bucket/pipeline_root",
		ServiceAccount: "pipelines@my-project.iam.gserviceaccount.com",
		LogLevel:       "info",
	}
}

// pubsubEvent wraps a Pub/Sub message in a messagePublished CloudEvent.
func pubsubEvent(t *testing.T, data []byte, attrs map[string]string) event.Event {
	t.Helper()
	e := event.New()
	e.SetID("1234")
	e.SetSource("//pubsub.googleapis.com/projects/my-project/topics/pipeline-trigger")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	if err := e.SetData(event.ApplicationJSON, MessagePublishedData{
		Message:      PubsubMessage{Data: data, Attributes: attrs, MessageID: "1234"},
		Subscription: "projects/my-project/subscriptions/pipeline-trigger",
	}); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	return e
}

// fakeVertex serves the pipelineJobs create and get methods.
type fakeVertex struct {
	srv *httptest.Server

	mu      sync.Mutex
	created []*aiplatform.GoogleCloudAiplatformV1PipelineJob
	jobIDs  []string
	// states are returned by successive gets. The last state repeats.
	states     []string
	createCode int
}

func newFakeVertex(t *testing.T) *fakeVertex {
	t.Helper()
	f := &fakeVertex{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/projects/{project}/locations/{location}/pipelineJobs", f.create)
	mux.HandleFunc("GET /v1/projects/{project}/locations/{location}/pipelineJobs/{id}", f.get)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVertex) service(t *testing.T) *aiplatform.Service {
	t.Helper()
	s, err := NewAIPlatformService(context.Background(), "us-central1", option.WithEndpoint(f.srv.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewAIPlatformService() failed: %v", err)
	}
	return s
}

func (f *fakeVertex) create(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createCode != 0 {
		writeAPIError(w, f.createCode)
		return
	}
	job := &aiplatform.GoogleCloudAiplatformV1PipelineJob{}
	if err := json.NewDecoder(r.Body).Decode(job); err != nil {
		writeAPIError(w, http.StatusBadRequest)
		return
	}
	id := r.URL.Query().Get("pipelineJobId")
	f.created = append(f.created, job)
	f.jobIDs = append(f.jobIDs, id)
	resp := *job
	resp.Name = fmt.Sprintf("projects/%s/locations/%s/pipelineJobs/%s", r.PathValue("project"), r.PathValue("location"), id)
	resp.State = "PIPELINE_STATE_PENDING"
	writeJSON(w, &resp)
}

func (f *fakeVertex) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "PIPELINE_STATE_RUNNING"
	if len(f.states) > 0 {
		state = f.states[0]
		if len(f.states) > 1 {
			f.states = f.states[1:]
		}
	}
	job := &aiplatform.GoogleCloudAiplatformV1PipelineJob{
		Name:  fmt.Sprintf("projects/%s/locations/%s/pipelineJobs/%s", r.PathValue("project"), r.PathValue("location"), r.PathValue("id")),
		State: state,
	}
	if state == stateFailed {
		job.Error = &aiplatform.GoogleRpcStatus{Message: "component train failed"}
	}
	writeJSON(w, job)
}

func (f *fakeVertex) jobs() ([]*aiplatform.GoogleCloudAiplatformV1PipelineJob, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.jobIDs
}

// fakeRegistry serves Artifact Registry tags.get from a map of tag name to version name.
type fakeRegistry struct {
	srv *httptest.Server

	mu       sync.Mutex
	tags     map[string]string
	calls    int
	failures int
}

func newFakeRegistry(t *testing.T, tags map[string]string) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{tags: tags}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls++
		if f.failures > 0 {
			f.failures--
			writeAPIError(w, http.StatusServiceUnavailable)
			return
		}
		name, err := url.PathUnescape(r.URL.EscapedPath()[len("/v1/"):])
		if err != nil {
			writeAPIError(w, http.StatusBadRequest)
			return
		}
		version, ok := f.tags[name]
		if !ok {
			writeAPIError(w, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"name": name, "version": version})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) resolver(t *testing.T) *TagResolver {
	t.Helper()
	s, err := NewArtifactRegistryService(context.Background(), option.WithEndpoint(f.srv.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewArtifactRegistryService() failed: %v", err)
	}
	return NewTagResolver(s, testRetryPolicy)
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// rewriteTransport sends every request to target through base, keeping the path.
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	return t.base.RoundTrip(r)
}

// newTemplateServer serves files by path and returns a client whose requests to any host go to
// the server.
func newTemplateServer(t *testing.T, files map[string]string) (*httptest.Server, *http.Client) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, content)
	}))
	t.Cleanup(srv.Close)
	target, _ := url.Parse(srv.URL)
	return srv, &http.Client{Transport: rewriteTransport{target: target, base: srv.Client().Transport}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": http.StatusText(code)}})
}
