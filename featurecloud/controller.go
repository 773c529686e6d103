package featurecloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/absmach/fedsim/pkg/errors"
)

const (
	pingTimeout  = 2 * time.Second
	uploadOrigin = "https://featurecloud.ai"
	uploadAccept = "application/json, text/plain, */*"
)

// ArtifactKind selects which artifact of a run step to download.
type ArtifactKind string

const (
	ArtifactLog    ArtifactKind = "log"
	ArtifactResult ArtifactKind = "zip"
)

func (k ArtifactKind) endpoint() string {
	if k == ArtifactResult {
		return "/file-download/"
	}

	return "/logs-download/"
}

// Run describes one execution of a project workflow.
type Run struct {
	RunNr       int    `json:"runNr"`
	StartedOn   string `json:"startedOn"`
	LogSteps    []int  `json:"logSteps"`
	ResultSteps []int  `json:"resultSteps"`
}

// Controller talks to the FeatureCloud controller daemon on the local host.
type Controller struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewController(baseURL string, opts ...Option) *Controller {
	o := newOptions(opts)

	return &Controller{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  o.client,
		logger:  o.logger,
	}
}

// Ping checks that the controller answers within a short deadline.
func (c *Controller) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	resp, err := c.send(ctx, http.MethodGet, "/ping/", nil, http.NoBody, nil)
	if err != nil {
		return fmt.Errorf("controller at %s is not running: %w", c.baseURL, err)
	}
	resp.Body.Close()

	return nil
}

// UploadFile sends one data file for projectID and returns the response text.
func (c *Controller) UploadFile(ctx context.Context, projectID, fileName string, body io.Reader) (string, error) {
	params := url.Values{
		"projectId": {projectID},
		"fileName":  {fileName},
		"finalize":  {""},
		"consent":   {""},
	}

	return c.upload(ctx, params, body)
}

// Finalize marks this participant's contribution to projectID as complete.
func (c *Controller) Finalize(ctx context.Context, projectID string) (string, error) {
	params := url.Values{
		"projectId": {projectID},
		"fileName":  {""},
		"finalize":  {"true"},
		"consent":   {""},
	}

	return c.upload(ctx, params, http.NoBody)
}

func (c *Controller) upload(ctx context.Context, params url.Values, body io.Reader) (string, error) {
	headers := http.Header{
		"Origin":       {uploadOrigin},
		"Accept":       {uploadAccept},
		"Content-Type": {"application/octet-stream"},
	}

	resp, err := c.send(ctx, http.MethodPost, "/file-upload/", params, body, headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading upload response: %w", pkgerrors.ErrTransport, err)
	}

	return string(text), nil
}

// ProjectRuns lists the runs of projectID as returned by the controller.
func (c *Controller) ProjectRuns(ctx context.Context, projectID string) ([]Run, error) {
	resp, err := c.send(ctx, http.MethodGet, "/project-runs/", url.Values{"projectId": {projectID}}, http.NoBody, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var runs []Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return nil, fmt.Errorf("%w: decoding project runs: %w", pkgerrors.ErrRemote, err)
	}

	return runs, nil
}

// DownloadStep fetches the artifact of one run step.
func (c *Controller) DownloadStep(ctx context.Context, kind ArtifactKind, projectID string, run, step int) ([]byte, error) {
	params := url.Values{
		"projectId": {projectID},
		"step":      {strconv.Itoa(step)},
		"run":       {strconv.Itoa(run)},
	}

	resp, err := c.send(ctx, http.MethodGet, kind.endpoint(), params, http.NoBody, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s artifact: %w", pkgerrors.ErrTransport, kind, err)
	}

	return data, nil
}

func (c *Controller) send(ctx context.Context, method, path string, params url.Values, body io.Reader, headers http.Header) (*http.Response, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", pkgerrors.ErrTransport, method, path, err)
	}

	if err := checkResponse(resp); err != nil {
		resp.Body.Close()

		return nil, err
	}

	return resp, nil
}
