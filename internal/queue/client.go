// Package queue implements the HTTP protocol between a worker and the
// central job queue.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SplintFactory/Foundry/internal/model"
)

const (
	nextPath   = "api/v1/jobs/next"
	resultPath = "api/v1/jobs/%s/result"
	blobPath   = "api/v1/blobs"
)

// maxErrorBody bounds how much of an unexpected response lands in error
// messages.
const maxErrorBody = 512

// UnexpectedStatusError carries a response the protocol does not know.
type UnexpectedStatusError struct {
	Status int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Client talks to the job queue server. Construct with NewClient, the
// zero value has no base URL.
type Client struct {
	base       *url.URL
	token      string
	worker     string
	algorithms []string
	blobs      bool
	client     *http.Client
}

func NewClient(serverURL string) (Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return Client{}, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return Client{}, errors.New("please define the queue url with a scheme and without path, e.g. `https://queue.example.com`")
	}

	return Client{
		base:   parsedURL,
		worker: uuid.New().String(),
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// WithToken sets the bearer token sent on every request.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithWorker overrides the generated worker id.
func (c Client) WithWorker(worker string) Client {
	if worker != "" {
		c.worker = worker
	}
	return c
}

// WithAlgorithms restricts Next to jobs for the named algorithms.
func (c Client) WithAlgorithms(algorithms ...string) Client {
	c.algorithms = append(c.algorithms, algorithms...)
	return c
}

// WithBlobUploads switches Report to uploading artifact payloads
// separately and referencing them by key.
func (c Client) WithBlobUploads(enabled bool) Client {
	c.blobs = enabled
	return c
}

// Worker returns the id this client identifies itself with.
func (c Client) Worker() string { return c.worker }

// Next asks the queue for one job. model.ErrNoJob signals an empty
// queue, model.ErrUnauthorized a rejected token.
func (c Client) Next(ctx context.Context) (model.Job, error) {
	u := *c.base
	u.Path = nextPath
	q := u.Query()
	q.Set("worker", c.worker)
	if len(c.algorithms) > 0 {
		q.Set("algorithms", strings.Join(c.algorithms, ","))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.Job{}, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return model.Job{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return model.Job{}, model.ErrNoJob
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.Job{}, model.ErrUnauthorized
	default:
		return model.Job{}, unexpectedStatus(resp)
	}

	var job model.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return model.Job{}, fmt.Errorf("decoding job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return model.Job{}, fmt.Errorf("queue sent an invalid job: %w", err)
	}

	slog.DebugContext(ctx, "job received", slog.String("job", job.Name()))
	return job, nil
}

// Report delivers the result of a finished attempt. In blob mode the
// artifact payloads go up first and the report references them by key,
// which keeps the result body small.
func (c Client) Report(ctx context.Context, report model.Report) error {
	if c.blobs {
		if err := c.uploadBlobs(ctx, &report); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	u := *c.base
	u.Path = fmt.Sprintf(resultPath, url.PathEscape(string(report.JobID)))
	q := u.Query()
	q.Set("worker", c.worker)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		slog.DebugContext(ctx, "report delivered",
			slog.String("job", string(report.JobID)), slog.Bool("success", report.Success))
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ErrUnauthorized
	default:
		return unexpectedStatus(resp)
	}
}

func (c Client) uploadBlobs(ctx context.Context, report *model.Report) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range report.Artifacts {
		artifact := &report.Artifacts[i]
		if len(artifact.Content) == 0 {
			continue
		}
		g.Go(func() error {
			key, err := c.uploadBlob(ctx, artifact.Name, artifact.Content)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", artifact.Name, err)
			}
			artifact.BlobKey = key
			artifact.Content = nil
			return nil
		})
	}
	return g.Wait()
}

func (c Client) uploadBlob(ctx context.Context, name string, content []byte) (string, error) {
	u := *c.base
	u.Path = blobPath
	q := u.Query()
	q.Set("name", name)
	q.Set("worker", c.worker)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", unexpectedStatus(resp)
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding blob response: %w", err)
	}
	if created.Key == "" {
		return "", errors.New("received unexpected body")
	}
	return created.Key, nil
}

func (c Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UnexpectedStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
