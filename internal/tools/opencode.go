package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when the runtime no longer knows a session.
var ErrSessionNotFound = errors.New("opencode: session not found")

// OpenCodeClient talks to an OpenCode serve API, the agent runtime used for
// premium requests.
type OpenCodeClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// NewOpenCode creates a new OpenCode API client. timeout bounds one message
// round trip; zero means five minutes.
func NewOpenCode(baseURL, username, password string, timeout time.Duration) *OpenCodeClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OpenCodeClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default(),
	}
}

// Session represents an OpenCode session.
type Session struct {
	ID string `json:"id"`
}

type messageResponse struct {
	Parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"parts"`
}

// CreateSession creates a new OpenCode session.
func (oc *OpenCodeClient) CreateSession(ctx context.Context) (*Session, error) {
	resp, err := oc.doRequest(ctx, http.MethodPost, "/session", []byte(`{}`))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(resp, &session); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("create session: empty id")
	}

	oc.logger.Info("opencode session created", "id", session.ID)
	return &session, nil
}

// GetSession checks if a session exists.
func (oc *OpenCodeClient) GetSession(ctx context.Context, id string) (*Session, error) {
	resp, err := oc.doRequest(ctx, http.MethodGet, "/session/"+id, nil)
	if err != nil {
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(resp, &session); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	return &session, nil
}

// EnsureSession returns existingID if the runtime still has it, otherwise a
// fresh session id.
func (oc *OpenCodeClient) EnsureSession(ctx context.Context, existingID string) (string, error) {
	if existingID != "" {
		_, err := oc.GetSession(ctx, existingID)
		if err == nil {
			return existingID, nil
		}
		oc.logger.Debug("existing session invalid, creating new", "old_id", existingID, "error", err)
	}

	session, err := oc.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

// SendMessage sends text to a session and returns the joined text parts of
// the reply. system, when set, is sent as the session's system prompt.
func (oc *OpenCodeClient) SendMessage(ctx context.Context, sessionID, system, text string) (string, error) {
	payload := map[string]any{
		"parts": []map[string]string{{"type": "text", "text": text}},
	}
	if system != "" {
		payload["system"] = system
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	oc.logger.Info("opencode message sent",
		"session", sessionID,
		"content", truncateStr(text, 100),
	)

	resp, err := oc.doRequest(ctx, http.MethodPost, "/session/"+sessionID+"/message", body)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	var msgResp messageResponse
	if err := json.Unmarshal(resp, &msgResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	var parts []string
	for _, p := range msgResp.Parts {
		if p.Type == "text" && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// IsAvailable checks if OpenCode serve is reachable.
func (oc *OpenCodeClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := oc.doRequest(ctx, http.MethodGet, "/session", nil)
	return err == nil
}

func (oc *OpenCodeClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, oc.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if oc.username != "" || oc.password != "" {
		req.SetBasicAuth(oc.username, oc.password)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := oc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSessionNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateStr(string(respBody), 200))
	}
	return respBody, nil
}

func truncateStr(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
