// Package notify sends run outcome notifications to a Discord webhook.
//
// Notifications are best effort: delivery failures are logged and never
// surfaced to the caller, so a broken webhook cannot fail an otherwise
// healthy archive run. A notifier constructed with an empty webhook URL
// is disabled and every send becomes a no-op.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lostasf/instagram-story-archiver/internal/apierror"
)

const sendTimeout = 10 * time.Second

// Embed colors, Discord's decimal RGB convention.
const (
	colorGreen  = 0x00ff00
	colorOrange = 0xffa500
	colorRed    = 0xff0000
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type payload struct {
	Embeds []embed `json:"embeds"`
}

// Discord posts embed messages to a single Discord webhook.
type Discord struct {
	webhookURL string
	httpClient *http.Client
}

// NewDiscord creates a notifier for the given webhook URL. An empty URL
// yields a disabled notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: sendTimeout},
	}
}

// Enabled reports whether the notifier has a webhook to post to.
func (d *Discord) Enabled() bool { return d.webhookURL != "" }

// FetchSuccess announces how many stories were found for an account.
func (d *Discord) FetchSuccess(ctx context.Context, username string, storyCount int) {
	d.send(ctx, embed{
		Title:       "📸 Instagram Stories Fetched",
		Description: fmt.Sprintf("Fetched %d stories from @%s", storyCount, username),
		Color:       colorGreen,
		Fields: []embedField{
			{Name: "Username", Value: "@" + username, Inline: true},
			{Name: "Stories", Value: fmt.Sprint(storyCount), Inline: true},
		},
		Footer: &embedFooter{Text: "Instagram API"},
	})
}

// FetchError announces a failed story fetch for an account.
func (d *Discord) FetchError(ctx context.Context, username string, err error) {
	d.send(ctx, embed{
		Title:       "⚠️ Instagram Stories Fetch Failed",
		Description: fmt.Sprintf("Failed to fetch stories from @%s\n```\n%s\n```", username, apierror.Truncate(err.Error(), 800)),
		Color:       colorOrange,
		Fields: []embedField{
			{Name: "Username", Value: "@" + username, Inline: true},
		},
		Footer: &embedFooter{Text: "Instagram API"},
	})
}

// PublishSuccess announces posted batches for an account.
func (d *Discord) PublishSuccess(ctx context.Context, username string, batches int, lastPostID string) {
	fields := []embedField{
		{Name: "Instagram User", Value: "@" + username, Inline: true},
		{Name: "Posts", Value: fmt.Sprint(batches), Inline: true},
	}
	if lastPostID != "" {
		fields = append(fields, embedField{
			Name:  "Latest Post",
			Value: fmt.Sprintf("[View](https://twitter.com/user/status/%s)", lastPostID),
		})
	}
	d.send(ctx, embed{
		Title:       "🐦 Twitter Post Success",
		Description: fmt.Sprintf("Posted %d thread updates for @%s", batches, username),
		Color:       colorGreen,
		Fields:      fields,
		Footer:      &embedFooter{Text: "Twitter API"},
	})
}

// PublishError announces a failed publish. Authorization failures are
// highlighted since they need operator action, not a retry.
func (d *Discord) PublishError(ctx context.Context, username string, err error) {
	description := fmt.Sprintf("Failed to post stories from @%s", username)
	color := colorOrange
	fields := []embedField{
		{Name: "Username", Value: "@" + username, Inline: true},
	}

	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		fields = append(fields, embedField{Name: "Status Code", Value: fmt.Sprint(apiErr.StatusCode), Inline: true})
		if apiErr.Auth() {
			description += "\n**Authorization error, check API credentials and permissions.**"
			color = colorRed
		}
	}
	fields = append(fields, embedField{Name: "Error", Value: fmt.Sprintf("```\n%s\n```", apierror.Truncate(err.Error(), 800))})

	d.send(ctx, embed{
		Title:       "❌ Twitter Post Failed",
		Description: description,
		Color:       color,
		Fields:      fields,
		Footer:      &embedFooter{Text: "Twitter API"},
	})
}

func (d *Discord) send(ctx context.Context, e embed) {
	if !d.Enabled() {
		return
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(payload{Embeds: []embed{e}})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode Discord payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build Discord request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Discord notification failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("Discord webhook rejected notification")
	}
}
