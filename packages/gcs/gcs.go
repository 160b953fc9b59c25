// Package gcs provides functions for interacting with Google Cloud Storage objects and
// bucket notification configurations.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ErrNotificationNotFound is returned when a bucket has no notification with the requested ID.
var ErrNotificationNotFound = errors.New("notification not found")

// IsGCSURI reports whether the uri uses the gs scheme.
func IsGCSURI(uri string) bool {
	return strings.HasPrefix(uri, "gs://")
}

// ReadObject reads the content of the Cloud Storage object at the specified URI.
func ReadObject(ctx context.Context, gcsClient *storage.Client, gcsURI string) ([]byte, error) {
	gcsObj, err := parseGCSURI(gcsURI)
	if err != nil {
		return nil, err
	}
	r, err := gcsClient.Bucket(gcsObj.bucket).Object(gcsObj.name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", gcsURI, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// BucketName accepts either a bare bucket name or a gs:// URI of the bucket and returns the
// bucket name.
func BucketName(bucket string) (string, error) {
	name := strings.Trim(strings.TrimPrefix(strings.TrimSpace(bucket), "gs://"), "/")
	if name == "" {
		return "", errors.New("bucket name is empty")
	}
	if strings.Contains(name, "/") {
		return "", fmt.Errorf("bucket %q must not contain an object path", bucket)
	}
	return name, nil
}

// gcsObjectURI is used to split the object Cloud Storage URI into the bucket and name.
type gcsObjectURI struct {
	// bucket the GCS object is in.
	bucket string
	// name of the GCS object.
	name string
}

// parseGCSURI parses the Cloud Storage URI and returns the corresponding gcsObjectURI.
func parseGCSURI(uri string) (gcsObjectURI, error) {
	var obj gcsObjectURI
	u, err := url.Parse(uri)
	if err != nil {
		return gcsObjectURI{}, fmt.Errorf("cannot parse URI %q: %w", uri, err)
	}
	if u.Scheme != "gs" {
		return gcsObjectURI{}, fmt.Errorf("URI scheme is %q, must be 'gs'", u.Scheme)
	}
	if u.Host == "" {
		return gcsObjectURI{}, errors.New("bucket name is empty")
	}
	obj.bucket = u.Host
	obj.name = strings.TrimLeft(u.Path, "/")
	if obj.name == "" {
		return gcsObjectURI{}, errors.New("object name is empty")
	}
	return obj, nil
}

var topicRE = regexp.MustCompile(`^(?://pubsub\.googleapis\.com/)?projects/([^/]+)/topics/([^/]+)$`)

// ParseTopic splits a Pub/Sub topic into its project and topic ID. The topic may be a
// resource name, a full resource name with the //pubsub.googleapis.com/ prefix or a bare topic
// ID, in which case defaultProject is used.
func ParseTopic(topic, defaultProject string) (project, id string, err error) {
	topic = strings.TrimSpace(topic)
	if m := topicRE.FindStringSubmatch(topic); m != nil {
		return m[1], m[2], nil
	}
	if topic == "" || strings.Contains(topic, "/") {
		return "", "", fmt.Errorf("invalid topic %q, expected projects/PROJECT/topics/TOPIC or a topic ID", topic)
	}
	if defaultProject == "" {
		return "", "", fmt.Errorf("topic %q has no project and no default project was provided", topic)
	}
	return defaultProject, topic, nil
}

// NotificationConfig describes a bucket notification to create.
type NotificationConfig struct {
	// TopicProjectID and TopicID identify the Pub/Sub topic that receives the notifications.
	TopicProjectID string
	TopicID        string
	// EventTypes limits the notification to these events. Empty means all events.
	EventTypes       []string
	ObjectNamePrefix string
	CustomAttributes map[string]string
	// PayloadFormat is storage.JSONPayload or storage.NoPayload. Empty means JSON.
	PayloadFormat string
}

var validEventTypes = map[string]bool{
	storage.ObjectFinalizeEvent:       true,
	storage.ObjectMetadataUpdateEvent: true,
	storage.ObjectDeleteEvent:         true,
	storage.ObjectArchiveEvent:        true,
}

func (c *NotificationConfig) toNotification() (*storage.Notification, error) {
	if c.TopicProjectID == "" || c.TopicID == "" {
		return nil, errors.New("topic project and topic ID are required")
	}
	format := c.PayloadFormat
	switch format {
	case "":
		format = storage.JSONPayload
	case storage.JSONPayload, storage.NoPayload:
	default:
		return nil, fmt.Errorf("unsupported payload format %q, must be %s or %s", format, storage.JSONPayload, storage.NoPayload)
	}
	for _, et := range c.EventTypes {
		if !validEventTypes[et] {
			return nil, fmt.Errorf("unsupported event type %q", et)
		}
	}
	return &storage.Notification{
		TopicProjectID:   c.TopicProjectID,
		TopicID:          c.TopicID,
		EventTypes:       c.EventTypes,
		ObjectNamePrefix: c.ObjectNamePrefix,
		CustomAttributes: c.CustomAttributes,
		PayloadFormat:    format,
	}, nil
}

// CreateNotification creates a notification on the bucket and returns it with its assigned ID.
func CreateNotification(ctx context.Context, gcsClient *storage.Client, bucket string, cfg *NotificationConfig) (*storage.Notification, error) {
	n, err := cfg.toNotification()
	if err != nil {
		return nil, err
	}
	created, err := gcsClient.Bucket(bucket).AddNotification(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("unable to create notification on bucket %s: %v", bucket, err)
	}
	return created, nil
}

// ListNotifications returns the notifications of the bucket ordered by ID.
func ListNotifications(ctx context.Context, gcsClient *storage.Client, bucket string) ([]*storage.Notification, error) {
	ns, err := gcsClient.Bucket(bucket).Notifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to list notifications on bucket %s: %v", bucket, err)
	}
	var list []*storage.Notification
	for _, n := range ns {
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// GetNotification returns the bucket notification with the given ID.
func GetNotification(ctx context.Context, gcsClient *storage.Client, bucket, id string) (*storage.Notification, error) {
	ns, err := gcsClient.Bucket(bucket).Notifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to list notifications on bucket %s: %v", bucket, err)
	}
	n, ok := ns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s on bucket %s", ErrNotificationNotFound, id, bucket)
	}
	return n, nil
}

// DeleteNotification deletes the bucket notification with the given ID.
func DeleteNotification(ctx context.Context, gcsClient *storage.Client, bucket, id string) error {
	err := gcsClient.Bucket(bucket).DeleteNotification(ctx, id)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s on bucket %s", ErrNotificationNotFound, id, bucket)
	}
	if err != nil {
		return fmt.Errorf("unable to delete notification %s on bucket %s: %v", id, bucket, err)
	}
	return nil
}
