package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewsWindow is how recent a post must be to count as news.
const NewsWindow = 24 * time.Hour

// NewsOptions parameterise the CryptoPanic client.
type NewsOptions struct {
	Token   string
	BaseURL string
	Timeout time.Duration
	Now     func() time.Time
}

// NewsChecker reports whether a coin had news recently.
type NewsChecker struct {
	rest   restClient
	token  string
	now    func() time.Time
	logger zerolog.Logger
}

// NewNewsChecker constructs a CryptoPanic news checker.
func NewNewsChecker(opts NewsOptions, logger zerolog.Logger) *NewsChecker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &NewsChecker{
		rest:   newRESTClient("cryptopanic", opts.BaseURL, "https://cryptopanic.com/api/v1", opts.Timeout),
		token:  opts.Token,
		now:    now,
		logger: logger.With().Str("component", "news").Logger(),
	}
}

type cryptoPanicPosts struct {
	Results []struct {
		Title       string    `json:"title"`
		PublishedAt time.Time `json:"published_at"`
	} `json:"results"`
}

// HasRecentNews returns true when the newest post about coin is younger than NewsWindow.
func (n *NewsChecker) HasRecentNews(ctx context.Context, coin string) (bool, error) {
	query := url.Values{
		"auth_token": {n.token},
		"currencies": {strings.ToUpper(coin)},
		"kind":       {"news"},
	}

	var resp cryptoPanicPosts
	if err := n.rest.getJSON(ctx, "/posts/", query, &resp); err != nil {
		return false, fmt.Errorf("news for %s: %w", coin, err)
	}
	if len(resp.Results) == 0 {
		return false, nil
	}
	return n.now().Sub(resp.Results[0].PublishedAt) < NewsWindow, nil
}
