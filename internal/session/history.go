// ABOUTME: HTTP history source backed by the gateway's GET /api/rooms/{key}/messages
// ABOUTME: Decodes history pages and maps error bodies to RemoteError

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/unicollab-dm/internal/protocol"
)

// HTTPHistory fetches history pages over the gateway HTTP API.
type HTTPHistory struct {
	// BaseURL is the gateway root, e.g. http://localhost:8080
	BaseURL string
	Token   string
	Client  *http.Client
}

type historyResponse struct {
	Room     string              `json:"room"`
	Messages []*protocol.Message `json:"messages"`
	Count    int                 `json:"count"`
	HasMore  bool                `json:"has_more"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Fetch implements History.
func (h *HTTPHistory) Fetch(ctx context.Context, roomKey string, sinceID int64, limit int) (*HistoryPage, error) {
	q := url.Values{}
	if sinceID > 0 {
		q.Set("since_id", strconv.FormatInt(sinceID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := fmt.Sprintf("%s/api/rooms/%s/messages", strings.TrimRight(h.BaseURL, "/"), url.PathEscape(roomKey))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeRemoteError(resp)
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &HistoryPage{Messages: body.Messages, HasMore: body.HasMore}, nil
}

func decodeRemoteError(resp *http.Response) error {
	remote := &RemoteError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Error != "" {
			remote.Message = body.Error
		}
		remote.Code = body.Code
	}
	if remote.Code == "" {
		remote.Code = "http_error"
	}
	return remote
}
