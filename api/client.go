package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/pithecene-io/assay/iox"
)

// Backend abstracts the remote stage operations. Used for test injection;
// the pipeline orchestrator depends only on this interface.
type Backend interface {
	// Upload stores a source file and returns its dataset identity.
	// progress, when non-nil, receives percentages in [0, 100].
	Upload(ctx context.Context, filename string, data []byte, progress func(percent int)) (*Dataset, error)
	// FetchSchema returns the sampled schema for an uploaded source.
	FetchSchema(ctx context.Context, sourceID string) (*Sample, error)
	// Chat asks a question and waits for the complete answer.
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
	// ChatStream asks a question and returns the raw event stream body.
	// The caller owns the returned body and must close it.
	ChatStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
	// Retrieve queries the retrieval index. Returns (nil, nil) when the
	// index has no matching documents.
	Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResult, error)
	// ApplyRemediation applies preprocessing operations to a dataset.
	ApplyRemediation(ctx context.Context, req RemediationRequest) (*RemediationResult, error)
	// BuildReport generates a report over a session.
	BuildReport(ctx context.Context, req ReportRequest) (*Report, error)
}

// Client is the HTTP implementation of Backend.
//
// The underlying http.Client deliberately carries no timeout: stage calls
// have no deadline of their own and run until the backend answers or the
// run context is canceled.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Upload posts the file as multipart form data to /datasets/.
func (c *Client) Upload(ctx context.Context, filename string, data []byte, progress func(percent int)) (*Dataset, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("upload: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("upload: build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("upload: build form: %w", err)
	}

	reader := &progressReader{
		reader:   bytes.NewReader(body.Bytes()),
		total:    int64(body.Len()),
		progress: progress,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/datasets/", reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.ContentLength = reader.total

	var dataset Dataset
	if err := c.do(req, &dataset); err != nil {
		return nil, err
	}
	return &dataset, nil
}

// FetchSchema gets /datasets/{source_id}/sample.
func (c *Client) FetchSchema(ctx context.Context, sourceID string) (*Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/datasets/"+sourceID+"/sample", nil)
	if err != nil {
		return nil, err
	}
	var sample Sample
	if err := c.do(req, &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

// Chat posts /chats/ and waits for the full answer.
func (c *Client) Chat(ctx context.Context, chatReq ChatRequest) (*ChatResult, error) {
	req, err := c.jsonRequest(ctx, "/chats/", chatReq)
	if err != nil {
		return nil, err
	}
	var result ChatResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ChatStream posts /chats/stream and hands back the raw event stream.
func (c *Client) ChatStream(ctx context.Context, chatReq ChatRequest) (io.ReadCloser, error) {
	req, err := c.jsonRequest(ctx, "/chats/stream", chatReq)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer iox.DrainClose(resp.Body)
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// Retrieve posts /rag/query. A 204 means no matching documents.
func (c *Client) Retrieve(ctx context.Context, ragReq RetrieveRequest) (*RetrieveResult, error) {
	req, err := c.jsonRequest(ctx, "/rag/query", ragReq)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, responseError(resp)
	}

	var result RetrieveResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("retrieve: decode response: %w", err)
	}
	return &result, nil
}

// ApplyRemediation posts /preprocess/apply.
func (c *Client) ApplyRemediation(ctx context.Context, remReq RemediationRequest) (*RemediationResult, error) {
	req, err := c.jsonRequest(ctx, "/preprocess/apply", remReq)
	if err != nil {
		return nil, err
	}
	var result RemediationResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BuildReport posts /report/.
func (c *Client) BuildReport(ctx context.Context, repReq ReportRequest) (*Report, error) {
	req, err := c.jsonRequest(ctx, "/report/", repReq)
	if err != nil {
		return nil, err
	}
	var report Report
	if err := c.do(req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// jsonRequest builds a POST request with a JSON body.
func (c *Client) jsonRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("api: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes the request and decodes a JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

// responseError extracts the backend's detail field from an error response,
// falling back to the HTTP status.
func responseError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		apiErr.Detail = payload.Detail
	}
	return apiErr
}

// progressReader reports read progress as a percentage of the total size.
type progressReader struct {
	reader   io.Reader
	total    int64
	read     int64
	progress func(percent int)
	last     int
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 && r.progress != nil && r.total > 0 {
		r.read += int64(n)
		percent := int(r.read * 100 / r.total)
		if percent > 100 {
			percent = 100
		}
		if percent != r.last {
			r.last = percent
			r.progress(percent)
		}
	}
	return n, err
}

// Verify Client implements Backend.
var _ Backend = (*Client)(nil)
