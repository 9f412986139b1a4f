// Package instagram provides a client for the RapidAPI Instagram story
// endpoints used to list a user's active stories.
//
// The upstream proxy is loose about response shapes: stories may arrive
// under result/items/stories/reels_media/tray/media/data/story_items keys,
// nested arbitrarily, with ids as numbers or strings. Parsing is therefore
// deliberately tolerant (see parse.go) and normalizes everything into
// Story values.
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lostasf/instagram-story-archiver/internal/apierror"
	"github.com/lostasf/instagram-story-archiver/internal/archive"
)

const (
	// defaultBaseURL is the RapidAPI Instagram proxy base URL.
	defaultBaseURL = "https://instagram120.p.rapidapi.com"

	// defaultTimeout is the HTTP client timeout for API calls.
	defaultTimeout = 30 * time.Second

	component = "InstagramAPI"
)

// Media is one media file within a story, still at its CDN URL.
type Media struct {
	URL  string
	Kind archive.MediaKind
}

// Story is one active story as reported by the source.
type Story struct {
	ID      string
	TakenAt int64
	Media   []Media
}

// Client fetches Instagram stories through the RapidAPI proxy.
type Client struct {
	httpClient *http.Client
	apiKey     string
	apiHost    string
	baseURL    string
}

// NewClient creates an Instagram fetch client. apiHost selects the
// RapidAPI proxy host and, when set, also determines the request URL.
func NewClient(apiKey, apiHost string) *Client {
	baseURL := defaultBaseURL
	if apiHost != "" {
		baseURL = "https://" + apiHost
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiKey:     apiKey,
		apiHost:    apiHost,
		baseURL:    baseURL,
	}
}

// ListStories fetches all active stories for username. Stories without
// any resolvable media URL are dropped.
func (c *Client) ListStories(ctx context.Context, username string) ([]Story, error) {
	log.Info().Str("account", username).Msg("Fetching stories")

	payload, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/instagram/stories", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-rapidapi-key", c.apiKey)
	req.Header.Set("x-rapidapi-host", c.apiHost)

	startTime := time.Now()
	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Int("statusCode", 0).Dur("duration", duration).Err(err).Msg("Instagram API response")
		return nil, &apierror.Error{Component: component, Message: fmt.Sprintf("fetch stories: %v", err)}
	}
	defer httpResp.Body.Close()

	log.Debug().Int("statusCode", httpResp.StatusCode).Dur("duration", duration).Msg("Instagram API response")

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, &apierror.Error{
			Component:  component,
			Message:    fmt.Sprintf("fetch stories for %s", username),
			StatusCode: httpResp.StatusCode,
			Body:       apierror.Truncate(string(body), 200),
		}
	}

	stories, err := ParseStories(body)
	if err != nil {
		return nil, fmt.Errorf("parse stories response: %w", err)
	}

	log.Info().Str("account", username).Int("stories", len(stories)).Msg("Stories fetched")
	return stories, nil
}
