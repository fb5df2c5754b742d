// Package catalog contains a minimal client for the broadcast catalog API,
// used by the scheduler to discover live and soon-to-start broadcasts.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// Video is one catalog entry for a live or upcoming broadcast.
type Video struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Topic          string     `json:"topic_id"`
	Status         string     `json:"status"`
	StartScheduled *time.Time `json:"start_scheduled"`
	StartActual    *time.Time `json:"start_actual"`
	AvailableAt    *time.Time `json:"available_at"`
	PublishedAt    *time.Time `json:"published_at"`
	Duration       int        `json:"duration"`
	LiveViewers    int64      `json:"live_viewers"`
	Channel        Channel    `json:"channel"`
}

// Channel is the owning channel as the catalog reports it.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	EnglishName string `json:"english_name"`
	Photo       string `json:"photo"`
	Org         string `json:"org"`
}

// Client calls the catalog REST API with an API key.
type Client struct {
	APIKey     string
	BaseURL    string
	Org        string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// ListLive fetches live broadcasts plus upcoming ones starting within
// maxUpcoming, optionally scoped to the configured org.
func (c *Client) ListLive(ctx context.Context, maxUpcoming time.Duration) ([]Video, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("catalog api key empty")
	}
	base := c.BaseURL
	if base == "" {
		base = "https://holodex.net/api/v2"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/live", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	if c.Org != "" {
		q.Set("org", c.Org)
	}
	if maxUpcoming > 0 {
		q.Set("max_upcoming_hours", fmt.Sprintf("%d", int(math.Ceil(maxUpcoming.Hours()))))
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-APIKEY", c.APIKey)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog live request: status %d", resp.StatusCode)
	}
	var videos []Video
	if err := json.NewDecoder(resp.Body).Decode(&videos); err != nil {
		return nil, err
	}
	return videos, nil
}
