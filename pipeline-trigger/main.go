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

// Command pipeline-trigger submits Vertex AI pipeline runs from a workstation or CI job, either
// directly or by publishing the message Cloud Scheduler would send to the trigger topic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/cloudfunction"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/envkeys"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/gcs"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/logging"
	"github.com/urfave/cli"
)

// Replaced in tests.
var (
	newSubmitter    = cloudfunction.NewDefaultSubmitter
	newPubsubClient = func(ctx context.Context, projectID string) (*pubsub.Client, error) {
		return pubsub.NewClient(ctx, projectID)
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "err: %v\n", err)
		os.Exit(1)
	}
}

func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "template-path",
			Usage: "gs://, https:// or Artifact Registry URL of the compiled pipeline",
		},
		cli.StringFlag{
			Name:  "display-name",
			Usage: "display name of the pipeline run",
		},
		cli.StringFlag{
			Name:  "parameters",
			Usage: "pipeline parameters as a JSON object",
		},
		cli.StringSliceFlag{
			Name:  "param",
			Usage: "pipeline parameter in the k=v format, may be repeated, overrides --parameters",
		},
		cli.StringFlag{
			Name:  "enable-caching",
			Usage: "true or false to override the compiled caching options",
		},
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "pipeline-trigger"
	app.Usage = "submit Vertex AI pipeline runs"
	app.HideVersion = true

	app.Commands = []cli.Command{
		{
			Name:  "submit",
			Usage: "submit a pipeline run with the trigger function's submission path",
			Flags: append(pipelineFlags(),
				cli.BoolFlag{
					Name:  "wait",
					Usage: "wait for the pipeline run to finish",
				},
				cli.DurationFlag{
					Name:  "poll-interval",
					Value: 30 * time.Second,
					Usage: "interval between pipeline run state checks",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: 4 * time.Hour,
					Usage: "maximum time to wait for the pipeline run",
				},
			),
			Action: func(c *cli.Context) error {
				payload, err := payloadFromFlags(c)
				if err != nil {
					return err
				}
				cfg, err := cloudfunction.LoadConfig()
				if err != nil {
					return err
				}
				logger, err := logging.New(os.Stderr, cfg.LogLevel)
				if err != nil {
					return err
				}

				ctx := context.Background()
				submitter, err := newSubmitter(ctx, cfg, logger)
				if err != nil {
					return err
				}
				job, err := submitter.Submit(ctx, &cloudfunction.Request{
					Source:        cloudfunction.ManualTrigger,
					TemplatePath:  cloudfunction.NormalizeTemplatePath(payload.TemplatePath),
					DisplayName:   payload.DisplayName,
					Parameters:    payload.PipelineParameters,
					EnableCaching: payload.EnableCaching,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "Created pipeline job %s\n", job.Name)
				if !c.Bool("wait") {
					return nil
				}
				return waitForJob(ctx, c, submitter, job.Name, logger)
			},
		},
		{
			Name:  "publish",
			Usage: "publish a scheduled trigger message to the pipeline trigger topic",
			Flags: append(pipelineFlags(),
				cli.StringFlag{
					Name:  "topic",
					Usage: "trigger topic, projects/PROJECT/topics/TOPIC or a topic ID",
				},
				cli.StringFlag{
					Name:   "project",
					Usage:  "project of a topic given by ID",
					EnvVar: envkeys.ProjectEnvKey,
				},
			),
			Action: func(c *cli.Context) error {
				if c.String("topic") == "" {
					return errors.New("topic cannot be empty")
				}
				projectID, topicID, err := gcs.ParseTopic(c.String("topic"), c.String("project"))
				if err != nil {
					return err
				}
				payload, err := payloadFromFlags(c)
				if err != nil {
					return err
				}
				data, err := json.Marshal(payload)
				if err != nil {
					return fmt.Errorf("unable to marshal trigger message: %v", err)
				}

				ctx := context.Background()
				client, err := newPubsubClient(ctx, projectID)
				if err != nil {
					return fmt.Errorf("unable to create pubsub client: %v", err)
				}
				defer client.Close()

				topic := client.Topic(topicID)
				defer topic.Stop()
				id, err := topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
				if err != nil {
					return fmt.Errorf("unable to publish to projects/%s/topics/%s: %v", projectID, topicID, err)
				}
				fmt.Fprintf(c.App.Writer, "Published message %s\n", id)
				return nil
			},
		},
	}
	return app
}

func waitForJob(ctx context.Context, c *cli.Context, submitter *cloudfunction.Submitter, name string, logger *slog.Logger) error {
	logger.Info("waiting for pipeline job", "name", name, "timeout", c.Duration("timeout"))
	job, err := submitter.WaitForJob(ctx, name, c.Duration("poll-interval"), c.Duration("timeout"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Pipeline job %s finished in state %s\n", job.Name, job.State)
	return nil
}

// payloadFromFlags builds the trigger message described by the pipeline flags.
func payloadFromFlags(c *cli.Context) (*cloudfunction.CronPayload, error) {
	payload := &cloudfunction.CronPayload{
		TemplatePath: strings.TrimSpace(c.String("template-path")),
		DisplayName:  c.String("display-name"),
	}
	if payload.TemplatePath == "" {
		return nil, errors.New("template-path cannot be empty")
	}
	if payload.DisplayName == "" {
		return nil, errors.New("display-name cannot be empty")
	}

	params, err := parseParameters(c.String("parameters"), c.StringSlice("param"))
	if err != nil {
		return nil, err
	}
	payload.PipelineParameters = params

	if v := c.String("enable-caching"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid enable-caching value %q: %v", v, err)
		}
		payload.EnableCaching = &b
	}
	return payload, nil
}

// parseParameters merges a JSON object of parameters with k=v pairs. Pair values that are valid
// JSON keep their type, anything else is a string.
func parseParameters(paramsJSON string, pairs []string) (map[string]any, error) {
	params := make(map[string]any)
	if strings.TrimSpace(paramsJSON) != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, fmt.Errorf("parameters must be a JSON object: %v", err)
		}
		if params == nil {
			params = make(map[string]any)
		}
	}
	kv, err := envkeys.ParseKeyValues(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range kv {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			decoded = v
		}
		params[k] = decoded
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}
