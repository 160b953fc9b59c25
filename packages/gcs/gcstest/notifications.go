// Package gcstest provides an in-memory Cloud Storage notification configuration server for
// tests. fake-gcs-server covers objects and buckets but not notificationConfigs.
package gcstest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Notification mirrors the JSON API representation of a notification configuration.
type Notification struct {
	ID               string            `json:"id,omitempty"`
	Kind             string            `json:"kind,omitempty"`
	Topic            string            `json:"topic,omitempty"`
	EventTypes       []string          `json:"event_types,omitempty"`
	CustomAttributes map[string]string `json:"custom_attributes,omitempty"`
	ObjectNamePrefix string            `json:"object_name_prefix,omitempty"`
	PayloadFormat    string            `json:"payload_format,omitempty"`
}

// NotificationServer serves the notificationConfigs resource of the JSON API.
type NotificationServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	nextID        int
	notifications map[string]map[string]*Notification
}

// NewNotificationServer starts a server with the given buckets and registers its shutdown with
// t.Cleanup.
func NewNotificationServer(t *testing.T, buckets ...string) *NotificationServer {
	t.Helper()
	s := &NotificationServer{nextID: 1, notifications: make(map[string]map[string]*Notification)}
	for _, b := range buckets {
		s.notifications[b] = make(map[string]*Notification)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /storage/v1/b/{bucket}/notificationConfigs", s.insert)
	mux.HandleFunc("GET /storage/v1/b/{bucket}/notificationConfigs", s.list)
	mux.HandleFunc("GET /storage/v1/b/{bucket}/notificationConfigs/{id}", s.get)
	mux.HandleFunc("DELETE /storage/v1/b/{bucket}/notificationConfigs/{id}", s.delete)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// NewClient returns a storage client that talks to the server. The caller closes it.
func (s *NotificationServer) NewClient(ctx context.Context) (*storage.Client, error) {
	return storage.NewClient(ctx, option.WithEndpoint(s.srv.URL+"/storage/v1/"), option.WithoutAuthentication())
}

// Client returns a storage client that talks to the server and is closed when the test ends.
func (s *NotificationServer) Client(t *testing.T) *storage.Client {
	t.Helper()
	c, err := s.NewClient(context.Background())
	if err != nil {
		t.Fatalf("storage.NewClient() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Add stores a notification directly and returns its ID.
func (s *NotificationServer) Add(bucket string, n Notification) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(bucket, &n)
}

// Notifications returns a copy of the notifications stored for the bucket.
func (s *NotificationServer) Notifications(bucket string) map[string]Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Notification)
	for id, n := range s.notifications[bucket] {
		out[id] = *n
	}
	return out
}

func (s *NotificationServer) addLocked(bucket string, n *Notification) string {
	if s.notifications[bucket] == nil {
		s.notifications[bucket] = make(map[string]*Notification)
	}
	n.ID = strconv.Itoa(s.nextID)
	n.Kind = "storage#notification"
	s.nextID++
	s.notifications[bucket][n.ID] = n
	return n.ID
}

func (s *NotificationServer) insert(w http.ResponseWriter, r *http.Request) {
	var n Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[r.PathValue("bucket")]; !ok {
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	s.addLocked(r.PathValue("bucket"), &n)
	writeJSON(w, n)
}

func (s *NotificationServer) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.notifications[r.PathValue("bucket")]
	if !ok {
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	items := []*Notification{}
	for _, n := range ns {
		items = append(items, n)
	}
	writeJSON(w, map[string]any{"kind": "storage#notifications", "items": items})
}

func (s *NotificationServer) get(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[r.PathValue("bucket")][r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, n)
}

func (s *NotificationServer) delete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.notifications[r.PathValue("bucket")]
	if _, ok := ns[r.PathValue("id")]; !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	delete(ns, r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}
