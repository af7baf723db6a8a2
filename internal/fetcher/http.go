package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultUserAgent = "pricewatch/1.0"

// restClient is the small JSON-over-HTTP helper shared by the REST exchange clients.
type restClient struct {
	name    string
	baseURL string
	client  *http.Client
}

func newRESTClient(name, baseURL, fallback string, timeout time.Duration) restClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = fallback
	}
	return restClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c restClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(c.name, resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return nil
}

type errorResponse struct {
	Msg     string `json:"msg"`
	RetMsg  string `json:"retMsg"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Msg, apiErr.RetMsg, apiErr.Message, apiErr.Detail} {
			if msg != "" {
				return fmt.Errorf("%s api error (%d): %s", name, status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", name, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", name, status)
}
