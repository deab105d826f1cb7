package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"

	"trustgate/internal/credential"
)

const (
	registerPath  = "/api/v1/agent/register"
	heartbeatPath = "/api/v1/agent/heartbeat"
	rotatePath    = "/api/v1/agent/rotate"

	userAgent = "trustgate-agent"
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= http.StatusInternalServerError
}

// StatusCode extracts the HTTP status of err, or 0 for transport errors.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsRetryable treats transport failures and retryable statuses alike.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return err != nil
}

// Client talks to the agent endpoints of the server.
type Client struct {
	base string
	http *http.Client
}

// NewClient validates the server address. A nil httpClient gets a 10s
// timeout.
func NewClient(serverURL string, httpClient *http.Client) (*Client, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if !govalidator.IsRequestURL(serverURL) {
		return nil, errors.Errorf("invalid server url %q", serverURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: serverURL, http: httpClient}, nil
}

func (c *Client) BaseURL() string {
	return c.base
}

// Register enrolls the device, or re-issues its credential.
func (c *Client) Register(ctx context.Context, deviceUUID, hostname, osVersion string) (*Enrollment, error) {
	body, err := json.Marshal(registerRequest{DeviceUUID: deviceUUID, Hostname: hostname, OSVersion: osVersion})
	if err != nil {
		return nil, err
	}
	var out Enrollment
	if err := c.post(ctx, registerPath, body, nil, &out); err != nil {
		return nil, errors.Wrap(err, "register")
	}
	if out.Credential == "" {
		return nil, errors.New("register: response carries no credential")
	}
	return &out, nil
}

// Heartbeat delivers one heartbeat body, signed with the credential.
func (c *Client) Heartbeat(ctx context.Context, cred string, body []byte) (*Ack, error) {
	headers := map[string]string{
		"Authorization":               "Bearer " + cred,
		credential.SignatureHeader:    credential.Sign(cred, body),
		credential.SignatureAlgHeader: credential.SignatureAlg,
	}
	var out Ack
	if err := c.post(ctx, heartbeatPath, body, headers, &out); err != nil {
		return nil, errors.Wrap(err, "heartbeat")
	}
	return &out, nil
}

// Rotate exchanges the current credential for a new one.
func (c *Client) Rotate(ctx context.Context, deviceUUID, cred string) (string, error) {
	body, err := json.Marshal(rotateRequest{DeviceUUID: deviceUUID, CurrentCredential: cred})
	if err != nil {
		return "", err
	}
	var out rotateResponse
	if err := c.post(ctx, rotatePath, body, map[string]string{"Authorization": "Bearer " + cred}, &out); err != nil {
		return "", errors.Wrap(err, "rotate")
	}
	if out.NewCredential == "" {
		return "", errors.New("rotate: response carries no credential")
	}
	return out.NewCredential, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func decodeStatusError(resp *http.Response) error {
	se := &StatusError{Code: resp.StatusCode}
	var payload struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) == nil {
		se.Message = payload.Error
		if payload.RetryAfter > 0 {
			se.RetryAfter = time.Duration(payload.RetryAfter) * time.Second
		}
	}
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}
