package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the farm daemon's admin API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(port int) *Client {
	return &Client{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Health() error {
	return c.get("/health", nil)
}

func (c *Client) Status() (*Status, error) {
	var resp Status
	if err := c.get("/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Enqueue(ids ...int64) error {
	return c.post("/assignments", EnqueueRequest{IDs: ids}, nil)
}

func (c *Client) Stop(assignmentID, slaveID int64) error {
	return c.post("/stops", StopRequest{AssignmentID: assignmentID, SlaveID: slaveID}, nil)
}

// TouchSlave makes the coordinator reload a slave's durable attributes on
// its next tick.
func (c *Client) TouchSlave(id int64) error {
	return c.post(fmt.Sprintf("/slaves/%d/touch", id), nil, nil)
}

func (c *Client) get(path string, result any) error {
	resp, err := c.HTTPClient.Get(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, result)
}

func (c *Client) post(path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.HTTPClient.Post(c.BaseURL+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, result)
}

func decodeResponse(resp *http.Response, result any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}
