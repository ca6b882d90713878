package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/fleetboard/internal/roster"
)

var (
	ErrNotFound     = errors.New("fleet not found")
	ErrUnauthorized = errors.New("not authorized for fleet")
	ErrInvalidInput = errors.New("invalid input")
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// ValidationError is a rejected command. The server reports it as a 400 with
// an error message and optional per-field messages.
type ValidationError struct {
	Message string
	Fields  map[string][]string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "validation failed"
	}
	return "validation failed: " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// IsTerminal reports whether a bootstrap error means streaming must not be
// attempted for this fleet.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized)
}

type Action string

const (
	ActionApprove Action = "approve"
	ActionInvite  Action = "invite"
	ActionDeny    Action = "deny"
	ActionRemove  Action = "remove"
)

func ParseAction(raw string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionApprove, ActionInvite, ActionDeny, ActionRemove:
		return a, true
	}
	return "", false
}

type XUpRequest struct {
	EFT     string
	Comment string
	AltIDs  []int64
}

type ClientOptions struct {
	SessionID  string
	CSRFToken  string
	HTTPClient *http.Client

	// CommandRate limits commands per second. Zero means unlimited.
	CommandRate  float64
	CommandBurst int
}

type Client struct {
	baseURL    string
	sessionID  string
	csrfToken  string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, opts ClientOptions) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.CommandRate > 0 {
		burst := opts.CommandBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.CommandRate), burst)
	}
	return &Client{
		baseURL:    baseURL,
		sessionID:  strings.TrimSpace(opts.SessionID),
		csrfToken:  strings.TrimSpace(opts.CSRFToken),
		httpClient: httpClient,
		limiter:    limiter,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionHeader carries the session and CSRF cookies for websocket dials.
func (c *Client) SessionHeader() http.Header {
	h := http.Header{}
	if cookie := c.cookieHeader(); cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h
}

func (c *Client) FleetChannelURL(token string) string {
	return c.baseURL + "/ws/fleet/" + url.PathEscape(token) + "/"
}

func (c *Client) NotifyChannelURL() string {
	return c.baseURL + "/ws/user/notify/"
}

// Dashboard fetches the full board for a fleet with a single request. 404
// and 403 map to ErrNotFound and ErrUnauthorized; both are terminal for the
// board. Any other failure is returned without retrying.
func (c *Client) Dashboard(ctx context.Context, token string) (roster.Dashboard, error) {
	token = strings.TrimSpace(token)
	var out roster.Dashboard
	if token == "" {
		return out, fmt.Errorf("%w: fleet token is required", ErrInvalidInput)
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/fleet/"+url.PathEscape(token)+"/dashboard/", nil, "", &out)
	return out, err
}

func (c *Client) Act(ctx context.Context, entryID int64, action Action) error {
	if _, ok := ParseAction(string(action)); !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	path := fmt.Sprintf("/api/fleet/action/%d/%s/", entryID, action)
	return c.doJSON(ctx, http.MethodPost, path, nil, "", nil)
}

func (c *Client) XUp(ctx context.Context, token string, req XUpRequest) error {
	token = strings.TrimSpace(token)
	if token == "" || strings.TrimSpace(req.EFT) == "" {
		return fmt.Errorf("%w: fleet token and fit are required", ErrInvalidInput)
	}
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("eft", req.EFT); err != nil {
		return err
	}
	if req.Comment != "" {
		if err := form.WriteField("comment", req.Comment); err != nil {
			return err
		}
	}
	for _, alt := range req.AltIDs {
		if err := form.WriteField("alts", strconv.FormatInt(alt, 10)); err != nil {
			return err
		}
	}
	if err := form.Close(); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/api/fleet/"+url.PathEscape(token)+"/xup/", body.Bytes(), form.FormDataContentType(), nil)
}

func (c *Client) UpdateEntry(ctx context.Context, entryID int64, fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields to update", ErrInvalidInput)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/fleet/entry/%d/update/", entryID), payload, "application/json", nil)
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	body []byte,
	contentType string,
	out any,
) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if cookie := c.cookieHeader(); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
		if method != http.MethodGet && c.csrfToken != "" {
			req.Header.Set("X-CSRFToken", c.csrfToken)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		// Only throttled commands are retried.
		throttled := method != http.MethodGet && resp.StatusCode == http.StatusTooManyRequests
		if throttled && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error   string              `json:"error"`
			Message string              `json:"message"`
			Detail  string              `json:"detail"`
			Fields  map[string][]string `json:"fields"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := firstNonEmpty(errPayload.Error, errPayload.Message, errPayload.Detail)
		if resp.StatusCode == http.StatusBadRequest {
			return &ValidationError{Message: message, Fields: errPayload.Fields}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *Client) cookieHeader() string {
	parts := []string{}
	if c.sessionID != "" {
		parts = append(parts, "sessionid="+c.sessionID)
	}
	if c.csrfToken != "" {
		parts = append(parts, "csrftoken="+c.csrfToken)
	}
	return strings.Join(parts, "; ")
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
