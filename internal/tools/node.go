package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nous-labs/relay/internal/store"
)

// ErrUnknownResult is returned by Result when the node has no record of an id.
var ErrUnknownResult = errors.New("node: unknown result id")

// Result statuses reported by GET /result/{id}.
const (
	ResultPending = "pending"
	ResultDone    = "done"
	ResultFailed  = "failed"
)

// ProcessRequest is the body of POST /process.
type ProcessRequest struct {
	Text     string `json:"text"`
	ChatID   string `json:"chatId"`
	ThreadID string `json:"threadId,omitempty"`
}

// ResumeRequest is the body of POST /resume. Either TaskID and Choice name a
// task the caller already claimed, or Token carries a raw callback token for
// a task only the node knows.
type ResumeRequest struct {
	TaskID string `json:"taskId,omitempty"`
	ChatID string `json:"chatId"`
	Choice string `json:"choice,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Reply is what a node produced for one message. A non-empty TaskID means the
// run paused on Question and the options must be rendered as choices.
type Reply struct {
	Text     string         `json:"response,omitempty"`
	TaskID   string         `json:"taskId,omitempty"`
	Question string         `json:"question,omitempty"`
	Options  []store.Choice `json:"options,omitempty"`
}

// Accepted is the node's answer to /process or /resume. Exactly one of Reply
// (200) or AsyncID (202) is set.
type Accepted struct {
	Reply   *Reply
	AsyncID string
}

// ResultStatus is the body of GET /result/{id}.
type ResultStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reply  *Reply `json:"reply,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Delivery is the body of POST /v1/deliver, sent by the node when an async
// result is ready.
type Delivery struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	ThreadID string `json:"threadId,omitempty"`
	Reply    Reply  `json:"reply"`
}

// NodeClient calls the local compute node.
type NodeClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewNodeClient creates a client. timeout bounds each call; zero means 10s.
func NewNodeClient(baseURL, token string, timeout time.Duration) *NodeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NodeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Process forwards one inbound message.
func (c *NodeClient) Process(ctx context.Context, req ProcessRequest) (*Accepted, error) {
	return c.submit(ctx, "/process", req)
}

// Resume forwards a user's choice for a task the node paused.
func (c *NodeClient) Resume(ctx context.Context, req ResumeRequest) (*Accepted, error) {
	return c.submit(ctx, "/resume", req)
}

// Result polls an async result.
func (c *NodeClient) Result(ctx context.Context, id string) (*ResultStatus, error) {
	status, body, err := doJSON(ctx, c.client, http.MethodGet, c.baseURL+"/result/"+id, c.token, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrUnknownResult
	default:
		return nil, fmt.Errorf("node result: HTTP %d", status)
	}
	var rs ResultStatus
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &rs, nil
}

func (c *NodeClient) submit(ctx context.Context, path string, payload any) (*Accepted, error) {
	status, body, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+path, c.token, payload)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		var reply Reply
		if err := json.Unmarshal(body, &reply); err != nil {
			return nil, fmt.Errorf("parse reply: %w", err)
		}
		if reply.Text == "" && reply.TaskID == "" {
			return nil, fmt.Errorf("node %s: empty reply", path)
		}
		return &Accepted{Reply: &reply}, nil
	case http.StatusAccepted:
		var ack struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &ack); err != nil {
			return nil, fmt.Errorf("parse ack: %w", err)
		}
		if ack.ID == "" {
			return nil, fmt.Errorf("node %s: 202 without id", path)
		}
		return &Accepted{AsyncID: ack.ID}, nil
	default:
		return nil, fmt.Errorf("node %s: HTTP %d: %s", path, status, truncateStr(string(body), 200))
	}
}

// DeliveryClient posts async results from the node back to the gateway.
type DeliveryClient struct {
	url    string
	token  string
	client *http.Client
}

// NewDeliveryClient targets the gateway's /v1/deliver endpoint at baseURL.
func NewDeliveryClient(baseURL, token string) *DeliveryClient {
	return &DeliveryClient{
		url:    strings.TrimRight(baseURL, "/") + "/v1/deliver",
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver sends d. A 409 means the gateway already delivered it and is not an error.
func (c *DeliveryClient) Deliver(ctx context.Context, d Delivery) error {
	status, body, err := doJSON(ctx, c.client, http.MethodPost, c.url, c.token, d)
	if err != nil {
		return err
	}
	if status == http.StatusConflict || (status >= 200 && status < 300) {
		return nil
	}
	return fmt.Errorf("deliver: HTTP %d: %s", status, truncateStr(string(body), 200))
}

func doJSON(ctx context.Context, client *http.Client, method, url, token string, payload any) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
