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

// Command bucket-notifications manages the Cloud Storage notifications that publish object
// events, with pipeline trigger attributes, to the pipeline trigger topic.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/envkeys"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/gcs"
	"github.com/urfave/cli"
)

// Replaced in tests.
var newStorageClient = func(ctx context.Context) (*storage.Client, error) {
	return storage.NewClient(ctx)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "err: %v\n", err)
		os.Exit(1)
	}
}

var notificationIDFlag = cli.StringFlag{
	Name:  "notification-id",
	Usage: "ID of the bucket notification",
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "bucket-notifications"
	app.Usage = "manage Cloud Storage notifications that trigger pipelines"
	app.HideVersion = true

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "bucket",
			Usage: "bucket name, with or without the gs:// prefix",
		},
		cli.StringFlag{
			Name:   "project",
			Usage:  "project of a topic given by ID",
			EnvVar: envkeys.ProjectEnvKey,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:  "create",
			Usage: "create a notification",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "topic",
					Usage: "topic receiving the notifications, projects/PROJECT/topics/TOPIC or a topic ID",
				},
				cli.StringFlag{
					Name:  "custom-attributes",
					Usage: "JSON object of message attributes, non-string values are JSON encoded",
				},
				cli.StringSliceFlag{
					Name:  "attribute",
					Usage: "message attribute in the k=v format, may be repeated",
				},
				cli.StringSliceFlag{
					Name:  "event-type",
					Usage: "OBJECT_FINALIZE, OBJECT_METADATA_UPDATE, OBJECT_DELETE or OBJECT_ARCHIVE, may be repeated",
				},
				cli.StringFlag{
					Name:  "blob-name-prefix",
					Usage: "only notify for objects whose name starts with this prefix",
				},
				cli.StringFlag{
					Name:  "payload-format",
					Value: storage.JSONPayload,
					Usage: "JSON_API_V1 or NONE",
				},
			},
			Action: withBucket(func(c *cli.Context, client *storage.Client, bucket string) error {
				if c.String("topic") == "" {
					return errors.New("topic cannot be empty")
				}
				projectID, topicID, err := gcs.ParseTopic(c.String("topic"), c.GlobalString("project"))
				if err != nil {
					return err
				}
				attrs, err := parseCustomAttributes(c.String("custom-attributes"), c.StringSlice("attribute"))
				if err != nil {
					return err
				}

				n, err := gcs.CreateNotification(context.Background(), client, bucket, &gcs.NotificationConfig{
					TopicProjectID:   projectID,
					TopicID:          topicID,
					EventTypes:       c.StringSlice("event-type"),
					ObjectNamePrefix: c.String("blob-name-prefix"),
					CustomAttributes: attrs,
					PayloadFormat:    c.String("payload-format"),
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "Custom attributes: %s\n", attributesJSON(n.CustomAttributes))
				fmt.Fprintf(c.App.Writer, "Created notification %s on bucket %s\n", n.ID, bucket)
				return nil
			}),
		},
		{
			Name:  "list",
			Usage: "list notification IDs",
			Action: withBucket(func(c *cli.Context, client *storage.Client, bucket string) error {
				ns, err := gcs.ListNotifications(context.Background(), client, bucket)
				if err != nil {
					return err
				}
				for _, n := range ns {
					fmt.Fprintf(c.App.Writer, "Notification ID: %s\n", n.ID)
				}
				return nil
			}),
		},
		{
			Name:  "details",
			Usage: "print a notification",
			Flags: []cli.Flag{notificationIDFlag},
			Action: withBucket(func(c *cli.Context, client *storage.Client, bucket string) error {
				id := c.String("notification-id")
				if id == "" {
					return errors.New("notification-id cannot be empty")
				}
				n, err := gcs.GetNotification(context.Background(), client, bucket, id)
				if err != nil {
					return err
				}
				printNotification(c.App.Writer, n)
				return nil
			}),
		},
		{
			Name:  "delete",
			Usage: "delete a notification",
			Flags: []cli.Flag{notificationIDFlag},
			Action: withBucket(func(c *cli.Context, client *storage.Client, bucket string) error {
				id := c.String("notification-id")
				if id == "" {
					return errors.New("notification-id cannot be empty")
				}
				if err := gcs.DeleteNotification(context.Background(), client, bucket, id); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "Deleted notification %s on bucket %s\n", id, bucket)
				return nil
			}),
		},
	}
	return app
}

// withBucket validates the global bucket flag and creates the storage client for a command.
func withBucket(action func(c *cli.Context, client *storage.Client, bucket string) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		if c.GlobalString("bucket") == "" {
			return errors.New("bucket cannot be empty")
		}
		bucket, err := gcs.BucketName(c.GlobalString("bucket"))
		if err != nil {
			return err
		}
		ctx := context.Background()
		client, err := newStorageClient(ctx)
		if err != nil {
			return fmt.Errorf("unable to create gcs client: %v", err)
		}
		defer client.Close()
		return action(c, client, bucket)
	}
}

// parseCustomAttributes merges a JSON object of attributes with k=v pairs. Message attributes
// are strings, so non-string JSON values such as a pipeline_parameters object are encoded.
func parseCustomAttributes(attrsJSON string, pairs []string) (map[string]string, error) {
	attrs := make(map[string]string)
	if strings.TrimSpace(attrsJSON) != "" {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(attrsJSON), &raw); err != nil {
			return nil, fmt.Errorf("custom-attributes must be a JSON object: %v", err)
		}
		for k, v := range raw {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				attrs[k] = s
				continue
			}
			var compact bytes.Buffer
			if err := json.Compact(&compact, v); err != nil {
				return nil, fmt.Errorf("custom attribute %s: %v", k, err)
			}
			attrs[k] = compact.String()
		}
	}
	kv, err := envkeys.ParseKeyValues(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range kv {
		attrs[k] = v
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}

func attributesJSON(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "{}"
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Sprint(attrs)
	}
	return string(b)
}

func printNotification(w io.Writer, n *storage.Notification) {
	fmt.Fprintf(w, "Notification ID: %s\n", n.ID)
	fmt.Fprintf(w, "Topic Name: projects/%s/topics/%s\n", n.TopicProjectID, n.TopicID)
	fmt.Fprintf(w, "Event Types: %s\n", strings.Join(n.EventTypes, ", "))
	fmt.Fprintf(w, "Custom Attributes: %s\n", attributesJSON(n.CustomAttributes))
	fmt.Fprintf(w, "Payload Format: %s\n", n.PayloadFormat)
	fmt.Fprintf(w, "Blob Name Prefix: %s\n", n.ObjectNamePrefix)
	if n.Etag != "" {
		fmt.Fprintf(w, "Etag: %s\n", n.Etag)
	}
}
