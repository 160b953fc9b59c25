// Package bq runs BigQuery queries and returns the results as an in-memory frame. Credentials
// can come from a Secret Manager secret, explicit credentials, a service account key or
// Application Default Credentials.
package bq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// SecretReader returns the payload of a secret version. *secrets.Manager implements it.
type SecretReader interface {
	AccessSecretVersion(ctx context.Context, secretID, versionID string) (string, error)
}

// Credentials selects how a query authenticates. The first non-empty source wins in the
// order SecretID, Credentials, ServiceAccountInfo. When all are empty Application Default
// Credentials are used.
type Credentials struct {
	// SecretID names a secret holding a service account key.
	SecretID string
	// SecretVersion of SecretID, latest when empty.
	SecretVersion string
	Credentials   *google.Credentials
	// ServiceAccountInfo is a service account key in JSON.
	ServiceAccountInfo string
}

// Client runs queries in a project.
type Client struct {
	projectID string
	secrets   SecretReader
	opts      []option.ClientOption
}

// NewClient returns a Client billing queries to projectID unless the selected credentials
// carry their own project. secrets may be nil when no query uses Credentials.SecretID. opts are
// appended to every BigQuery client created by the Client.
func NewClient(projectID string, secrets SecretReader, opts ...option.ClientOption) *Client {
	return &Client{projectID: projectID, secrets: secrets, opts: opts}
}

// Frame holds query results by row.
type Frame struct {
	Columns []string
	Rows    [][]bigquery.Value
}

// Records returns one map per row keyed by column name.
func (f *Frame) Records() []map[string]bigquery.Value {
	records := make([]map[string]bigquery.Value, 0, len(f.Rows))
	for _, row := range f.Rows {
		rec := make(map[string]bigquery.Value, len(f.Columns))
		for i, col := range f.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.Rows)
}

// Query runs sql and reads all result rows.
func (c *Client) Query(ctx context.Context, sql string, creds Credentials) (*Frame, error) {
	sel, err := c.selectCredentials(ctx, creds)
	if err != nil {
		return nil, err
	}
	opts := append([]option.ClientOption{}, c.opts...)
	if sel.creds != nil {
		opts = append(opts, option.WithCredentials(sel.creds))
	}
	client, err := bigquery.NewClient(ctx, sel.projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create bigquery client: %v", err)
	}
	defer client.Close()

	fmt.Printf("Running query in project %s using %s credentials\n", sel.projectID, sel.source)
	it, err := client.Query(sql).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to run query: %v", err)
	}
	var rows [][]bigquery.Value
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unable to read query results: %v", err)
		}
		rows = append(rows, row)
	}
	return newFrame(it.Schema, rows), nil
}

func newFrame(schema bigquery.Schema, rows [][]bigquery.Value) *Frame {
	f := &Frame{Rows: rows}
	for _, field := range schema {
		f.Columns = append(f.Columns, field.Name)
	}
	return f
}

type selection struct {
	projectID string
	creds     *google.Credentials
	source    string
}

func (c *Client) selectCredentials(ctx context.Context, creds Credentials) (selection, error) {
	if creds.SecretID != "" && creds.Credentials != nil {
		return selection{}, errors.New("only one of a secret ID or credentials can be provided")
	}
	switch {
	case creds.SecretID != "":
		if c.secrets == nil {
			return selection{}, fmt.Errorf("secret %s requested but no secret reader is configured", creds.SecretID)
		}
		key, err := c.secrets.AccessSecretVersion(ctx, creds.SecretID, creds.SecretVersion)
		if err != nil {
			return selection{}, err
		}
		return fromServiceAccountKey(ctx, []byte(key), "secret")
	case creds.Credentials != nil:
		projectID := creds.Credentials.ProjectID
		if projectID == "" {
			projectID = c.projectID
		}
		return selection{projectID: projectID, creds: creds.Credentials, source: "provided"}, nil
	case creds.ServiceAccountInfo != "":
		return fromServiceAccountKey(ctx, []byte(creds.ServiceAccountInfo), "service account")
	}
	if c.projectID == "" {
		return selection{}, errors.New("project ID is required with application default credentials")
	}
	return selection{projectID: c.projectID, source: "application default"}, nil
}

func fromServiceAccountKey(ctx context.Context, key []byte, source string) (selection, error) {
	var info struct {
		Type      string `json:"type"`
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(key, &info); err != nil {
		return selection{}, fmt.Errorf("unable to parse %s key: %v", source, err)
	}
	if info.Type != "service_account" {
		return selection{}, fmt.Errorf("%s key has type %q, want service_account", source, info.Type)
	}
	if info.ProjectID == "" {
		return selection{}, fmt.Errorf("%s key has no project_id", source)
	}
	creds, err := google.CredentialsFromJSON(ctx, key, bigquery.Scope)
	if err != nil {
		return selection{}, fmt.Errorf("unable to load %s key: %v", source, err)
	}
	return selection{projectID: info.ProjectID, creds: creds, source: source}, nil
}
