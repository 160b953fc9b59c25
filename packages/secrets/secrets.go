// Package secrets contains utilities for creating, adding and accessing secrets in Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/protobuf/types/known/durationpb"
)

// LatestVersion is the alias of the most recently added secret version.
const LatestVersion = "latest"

// ErrDataCorrupted is returned when the checksum of an accessed payload does not match.
var ErrDataCorrupted = errors.New("data corruption detected with secret version")

var crc32c = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32c))
}

// SecretVersionData accesses the Secret Manager SecretVersion and returns the data payload.
func SecretVersionData(ctx context.Context, secretVersion string, smClient *secretmanager.Client) (string, error) {
	fmt.Printf("Accessing SecretVersion %s\n", secretVersion)
	res, err := smClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretVersion,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %s: %v", secretVersion, err)
	}
	if res.GetPayload() == nil {
		return "", fmt.Errorf("secret version %s has no payload", secretVersion)
	}
	// Verify the data checksum
	if res.Payload.DataCrc32C != nil && checksum(res.Payload.Data) != res.Payload.GetDataCrc32C() {
		return "", fmt.Errorf("%w %s", ErrDataCorrupted, secretVersion)
	}
	fmt.Printf("Accessed SecretVersion %s\n", secretVersion)
	return string(res.Payload.Data), nil
}

// Manager manages the secrets of a single project.
type Manager struct {
	projectID string
	client    *secretmanager.Client
}

// NewManager returns a Manager for the secrets of projectID.
func NewManager(projectID string, client *secretmanager.Client) *Manager {
	return &Manager{projectID: projectID, client: client}
}

// SecretName returns the resource name of the secret.
func (m *Manager) SecretName(secretID string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", m.projectID, secretID)
}

// VersionName returns the resource name of the secret version. An empty versionID refers to
// the latest version.
func (m *Manager) VersionName(secretID, versionID string) string {
	if versionID == "" {
		versionID = LatestVersion
	}
	return fmt.Sprintf("%s/versions/%s", m.SecretName(secretID), versionID)
}

// CreateSecret creates a secret with automatic replication. A positive ttl makes the secret
// expire after that duration.
func (m *Manager) CreateSecret(ctx context.Context, secretID string, ttl time.Duration) (*secretmanagerpb.Secret, error) {
	secret := &secretmanagerpb.Secret{
		Replication: &secretmanagerpb.Replication{
			Replication: &secretmanagerpb.Replication_Automatic_{
				Automatic: &secretmanagerpb.Replication_Automatic{},
			},
		},
	}
	if ttl > 0 {
		secret.Expiration = &secretmanagerpb.Secret_Ttl{Ttl: durationpb.New(ttl)}
	}
	res, err := m.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", m.projectID),
		SecretId: secretID,
		Secret:   secret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create secret %s: %v", m.SecretName(secretID), err)
	}
	fmt.Printf("Created secret %s\n", res.Name)
	return res, nil
}

// AddSecretVersion adds the payload as a new version of the secret.
func (m *Manager) AddSecretVersion(ctx context.Context, secretID string, payload []byte) (*secretmanagerpb.SecretVersion, error) {
	crc := checksum(payload)
	res, err := m.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent: m.SecretName(secretID),
		Payload: &secretmanagerpb.SecretPayload{
			Data:       payload,
			DataCrc32C: &crc,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add version to secret %s: %v", m.SecretName(secretID), err)
	}
	fmt.Printf("Added secret version %s\n", res.Name)
	return res, nil
}

// AccessSecretVersion returns the payload of the secret version. versionID is a version
// number or alias; empty means latest.
func (m *Manager) AccessSecretVersion(ctx context.Context, secretID, versionID string) (string, error) {
	return SecretVersionData(ctx, m.VersionName(secretID, versionID), m.client)
}
