package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/snaprelay/snaprelay/pkg/models"
)

// Client posts cropped captures to an upload endpoint
type Client struct {
	httpClient *http.Client
}

// New creates an upload client using the default HTTP transport
func New() *Client {
	return &Client{httpClient: http.DefaultClient}
}

// NewWithHTTPClient creates an upload client with a custom HTTP client
func NewWithHTTPClient(c *http.Client) *Client {
	return &Client{httpClient: c}
}

// Upload posts a multipart form to target: the rectangle as JSON under
// "rect" and the image bytes as the "file" part. A bearer header is
// attached when token is non-empty. Any non-2xx response is an error.
func (c *Client) Upload(ctx context.Context, target string, rect models.SelectionRect, img []byte, token string) error {
	rectJSON, err := json.Marshal(rect)
	if err != nil {
		return fmt.Errorf("failed to marshal rect: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("rect", string(rectJSON)); err != nil {
		return fmt.Errorf("failed to write rect field: %w", err)
	}

	// Backend expects a form file named 'file'
	filename := fmt.Sprintf("snap-%d.png", time.Now().UnixMilli())
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return fmt.Errorf("failed to write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload to %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload to %s failed: status %d", target, resp.StatusCode)
	}

	return nil
}
