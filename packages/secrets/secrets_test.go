package secrets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// fakeSecretManager keeps secrets in memory. corrupt makes every accessed payload carry a
// wrong checksum.
type fakeSecretManager struct {
	secretmanagerpb.UnimplementedSecretManagerServiceServer

	mu       sync.Mutex
	secrets  map[string]*secretmanagerpb.Secret
	versions map[string][][]byte
	corrupt  bool
}

func (f *fakeSecretManager) CreateSecret(_ context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.Parent + "/secrets/" + req.SecretId
	if _, ok := f.secrets[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "secret %s already exists", name)
	}
	s := &secretmanagerpb.Secret{Name: name, Replication: req.Secret.Replication, Expiration: req.Secret.Expiration}
	f.secrets[name] = s
	return s, nil
}

func (f *fakeSecretManager) AddSecretVersion(_ context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[req.Parent]; !ok {
		return nil, status.Errorf(codes.NotFound, "secret %s not found", req.Parent)
	}
	if req.Payload.DataCrc32C == nil || *req.Payload.DataCrc32C != checksum(req.Payload.Data) {
		return nil, status.Error(codes.InvalidArgument, "checksum mismatch")
	}
	f.versions[req.Parent] = append(f.versions[req.Parent], req.Payload.Data)
	return &secretmanagerpb.SecretVersion{Name: fmt.Sprintf("%s/versions/%d", req.Parent, len(f.versions[req.Parent]))}, nil
}

func (f *fakeSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret, version, _ := strings.Cut(req.Name, "/versions/")
	vs := f.versions[secret]
	idx := len(vs)
	if version != LatestVersion {
		if _, err := fmt.Sscanf(version, "%d", &idx); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad version %q", version)
		}
	}
	if idx < 1 || idx > len(vs) {
		return nil, status.Errorf(codes.NotFound, "secret version %s not found", req.Name)
	}
	data := vs[idx-1]
	crc := checksum(data)
	if f.corrupt {
		crc++
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    fmt.Sprintf("%s/versions/%d", secret, idx),
		Payload: &secretmanagerpb.SecretPayload{Data: data, DataCrc32C: &crc},
	}, nil
}

func (f *fakeSecretManager) secret(name string) *secretmanagerpb.Secret {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secrets[name]
}

func (f *fakeSecretManager) setCorrupt(corrupt bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt = corrupt
}

func newFakeClient(t *testing.T) (*fakeSecretManager, *secretmanager.Client) {
	t.Helper()
	fake := &fakeSecretManager{
		secrets:  make(map[string]*secretmanagerpb.Secret),
		versions: make(map[string][][]byte),
	}
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	srv := grpc.NewServer()
	secretmanagerpb.RegisterSecretManagerServiceServer(srv, fake)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial fake server: %v", err)
	}
	client, err := secretmanager.NewClient(context.Background(), option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return fake, client
}

func TestManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake, client := newFakeClient(t)
	m := NewManager("my-project", client)

	secret, err := m.CreateSecret(ctx, "bq-sa-key", time.Hour)
	if err != nil {
		t.Fatalf("CreateSecret() failed: %v", err)
	}
	if secret.Name != "projects/my-project/secrets/bq-sa-key" {
		t.Errorf("CreateSecret() name = %q", secret.Name)
	}
	if got := fake.secret(secret.Name).GetTtl().AsDuration(); got != time.Hour {
		t.Errorf("CreateSecret() ttl = %v, want %v", got, time.Hour)
	}
	if fake.secret(secret.Name).GetReplication().GetAutomatic() == nil {
		t.Errorf("CreateSecret() replication is not automatic")
	}

	for _, payload := range []string{"first", "second"} {
		if _, err := m.AddSecretVersion(ctx, "bq-sa-key", []byte(payload)); err != nil {
			t.Fatalf("AddSecretVersion(%q) failed: %v", payload, err)
		}
	}

	tests := []struct {
		version string
		want    string
	}{
		{version: "", want: "second"},
		{version: LatestVersion, want: "second"},
		{version: "1", want: "first"},
	}
	for _, test := range tests {
		t.Run("version "+test.version, func(t *testing.T) {
			got, err := m.AccessSecretVersion(ctx, "bq-sa-key", test.version)
			if err != nil {
				t.Fatalf("AccessSecretVersion() failed: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("AccessSecretVersion() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCreateSecretWithoutTTL(t *testing.T) {
	fake, client := newFakeClient(t)
	m := NewManager("my-project", client)
	if _, err := m.CreateSecret(context.Background(), "token", 0); err != nil {
		t.Fatalf("CreateSecret() failed: %v", err)
	}
	if exp := fake.secret("projects/my-project/secrets/token").GetExpiration(); exp != nil {
		t.Errorf("CreateSecret() expiration = %v, want none", exp)
	}
	if _, err := m.CreateSecret(context.Background(), "token", 0); err == nil {
		t.Errorf("CreateSecret() for existing secret succeeded, want error")
	}
}

func TestAccessSecretVersionErrors(t *testing.T) {
	ctx := context.Background()
	fake, client := newFakeClient(t)
	m := NewManager("my-project", client)

	if _, err := m.AccessSecretVersion(ctx, "missing", ""); err == nil {
		t.Errorf("AccessSecretVersion() for missing secret succeeded, want error")
	}

	if _, err := m.CreateSecret(ctx, "token", 0); err != nil {
		t.Fatalf("CreateSecret() failed: %v", err)
	}
	if _, err := m.AddSecretVersion(ctx, "token", []byte("value")); err != nil {
		t.Fatalf("AddSecretVersion() failed: %v", err)
	}
	fake.setCorrupt(true)
	if _, err := m.AccessSecretVersion(ctx, "token", ""); !errors.Is(err, ErrDataCorrupted) {
		t.Errorf("AccessSecretVersion() error = %v, want %v", err, ErrDataCorrupted)
	}
}
