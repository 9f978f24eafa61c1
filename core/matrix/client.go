// Package matrix is a minimal client-server API client used by the bridge
// to deliver messages and read room membership. It authenticates with the
// appservice token and can act as any of the bridge's virtual users.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 4 << 20
)

// MatrixError is a structured error response from the homeserver.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard error codes the bridge inspects.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
)

// IsMatrixError reports whether err is a *MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// Client talks to one homeserver.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	txnCounter  atomic.Uint64
}

// NewClient returns a client for baseURL authenticated with accessToken.
// A nil httpClient gets a default with a request timeout.
func NewClient(baseURL, accessToken string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("matrix: homeserver url required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{baseURL: baseURL, accessToken: accessToken, httpClient: httpClient}, nil
}

type sendEventResponse struct {
	EventID string `json:"event_id"`
}

// SendEvent sends an event to a room using the idempotent PUT form. When
// asUser is set the event is sent as that virtual user.
func (c *Client) SendEvent(ctx context.Context, roomID, eventType, asUser string, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventType),
		url.PathEscape(c.nextTransactionID()),
	)
	body, err := c.doRequest(ctx, http.MethodPut, path, asUserQuery(asUser), content)
	if err != nil {
		return "", fmt.Errorf("matrix: send %s to %q: %w", eventType, roomID, err)
	}
	var response sendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendReaction annotates eventID with key.
func (c *Client) SendReaction(ctx context.Context, roomID, eventID, key, asUser string) (string, error) {
	content := map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": "m.annotation",
			"event_id": eventID,
			"key":      key,
		},
	}
	return c.SendEvent(ctx, roomID, "m.reaction", asUser, content)
}

type joinedMembersResponse struct {
	Joined map[string]json.RawMessage `json:"joined"`
}

// JoinedMembers lists the user ids currently joined to roomID.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members", url.PathEscape(roomID))
	body, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: joined members of %q: %w", roomID, err)
	}
	var response joinedMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: parse joined members: %w", err)
	}
	members := make([]string, 0, len(response.Joined))
	for userID := range response.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// JoinRoom joins roomID as asUser, or as the bot when asUser is empty.
func (c *Client) JoinRoom(ctx context.Context, roomID, asUser string) error {
	path := fmt.Sprintf("/_matrix/client/v3/join/%s", url.PathEscape(roomID))
	if _, err := c.doRequest(ctx, http.MethodPost, path, asUserQuery(asUser), struct{}{}); err != nil {
		return fmt.Errorf("matrix: join %q: %w", roomID, err)
	}
	return nil
}

func (c *Client) nextTransactionID() string {
	counter := c.txnCounter.Add(1)
	return fmt.Sprintf("hookbridge-%d-%d", time.Now().UnixMilli(), counter)
}

func asUserQuery(asUser string) url.Values {
	if asUser == "" {
		return nil
	}
	return url.Values{"user_id": []string{asUser}}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, requestBody any) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()
	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		return nil, fmt.Errorf("unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, strings.TrimSpace(string(responseBody)))
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}
