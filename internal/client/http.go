package client

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// HTTPClient makes REST calls to the relay.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// CommandResult mirrors the /command response.
type CommandResult struct {
	OK        bool `json:"ok"`
	Forwarded bool `json:"forwarded"`
	Queued    bool `json:"queued"`
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:10000").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Upload posts one JPEG frame to /upload.
func (c *HTTPClient) Upload(image []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return errors.Wrap(err, "create form file")
	}
	if _, err := fw.Write(image); err != nil {
		return errors.Wrap(err, "write form file")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "close multipart")
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, nil)
}

// Command sends POST /command.
func (c *HTTPClient) Command(espID, cmd, userID string) (*CommandResult, error) {
	body := map[string]string{"espId": espID, "cmd": cmd}
	if userID != "" {
		body["userId"] = userID
	}
	var out CommandResult
	if err := c.post("/command", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Event sends POST /event.
func (c *HTTPClient) Event(espID, kind, userID string, data any) error {
	body := map[string]any{"type": kind, "espId": espID}
	if userID != "" {
		body["userId"] = userID
	}
	if data != nil {
		body["data"] = data
	}
	return c.post("/event", body, nil)
}

// Health fetches /health as a loose map.
func (c *HTTPClient) Health() (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) post(path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errors.Newf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
