// Package client talks to a running iopscan service.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/iopscan/iopscan/pkg/types"
)

// APIError is a non-2xx answer from the service
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// first scan may include a model download
			Timeout: 5 * time.Minute,
		},
	}
}

// Health checks if the service is healthy
func (c *Client) Health() error {
	resp, err := c.get("/api/v1/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// GetStatus returns the service status
func (c *Client) GetStatus() (map[string]interface{}, error) {
	resp, err := c.get("/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status map[string]interface{}
	if err := decode(resp, &status); err != nil {
		return nil, err
	}

	return status, nil
}

// Scan uploads the image at path. A failed scan still returns the response when the
// service sent one, together with an *APIError.
func (c *Client) Scan(path string) (*types.ScanResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", c.baseURL+"/api/v1/scans", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result types.ScanResponse
	if jsonErr := json.Unmarshal(data, &result); jsonErr != nil || result.Scan.Result.Label == "" {
		if resp.StatusCode != http.StatusOK {
			return nil, apiError(resp.StatusCode, data)
		}
		return nil, fmt.Errorf("invalid scan response: %s", string(data))
	}

	if resp.StatusCode != http.StatusOK {
		return &result, &APIError{StatusCode: resp.StatusCode, Message: result.Error}
	}
	return &result, nil
}

// ListScans returns stored scans, newest first; limit 0 returns all
func (c *Client) ListScans(limit int) ([]types.ScanRecord, error) {
	path := "/api/v1/scans?limit=" + strconv.Itoa(limit)

	resp, err := c.get(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Scans []types.ScanRecord `json:"scans"`
		Count int                `json:"count"`
	}
	if err := decode(resp, &result); err != nil {
		return nil, err
	}

	return result.Scans, nil
}

// GetScan returns one stored scan
func (c *Client) GetScan(id string) (*types.ScanRecord, error) {
	resp, err := c.get("/api/v1/scans/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("scan not found: %s", id)
	}

	var rec types.ScanRecord
	if err := decode(resp, &rec); err != nil {
		return nil, err
	}

	return &rec, nil
}

// ReloadModel forces the service to download and load the model again
func (c *Client) ReloadModel() (map[string]interface{}, error) {
	resp, err := c.post("/api/v1/model/reload", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := decode(resp, &result); err != nil {
		return nil, err
	}

	return result, nil
}

// ClearModelCache unloads the model and deletes its cached files on the service
func (c *Client) ClearModelCache() error {
	resp, err := c.delete("/api/v1/model/cache")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decode(resp, nil)
}

// Shutdown requests service shutdown
func (c *Client) Shutdown() error {
	resp, err := c.post("/api/v1/admin/shutdown", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown failed: status %d", resp.StatusCode)
	}

	return nil
}

// decode reads a JSON body into v, turning a non-2xx status into an *APIError
func decode(resp *http.Response, v interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, data)
	}

	if v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

func apiError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	json.Unmarshal(body, &payload)
	return &APIError{StatusCode: status, Message: payload.Error}
}

// HTTP helper methods

func (c *Client) get(path string) (*http.Response, error) {
	return c.httpClient.Get(c.baseURL + path)
}

func (c *Client) post(path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest("POST", c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

func (c *Client) delete(path string) (*http.Response, error) {
	req, err := http.NewRequest("DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	return c.httpClient.Do(req)
}
