// Package twitter provides a client for the two Twitter/X endpoints the
// archiver needs: v1.1 media upload and v2 tweet creation (with reply
// threading). Both run under OAuth 1.0a user context.
//
// The client is deliberately thin: it performs no in-process retries.
// Transient failures are surfaced as typed errors and recovered by the
// next scheduled run.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog/log"

	"github.com/lostasf/instagram-story-archiver/internal/apierror"
	"github.com/lostasf/instagram-story-archiver/internal/archive"
)

const (
	// defaultUploadBaseURL is the v1.1 media upload host.
	defaultUploadBaseURL = "https://upload.twitter.com/1.1"

	// defaultAPIBaseURL is the v2 API host.
	defaultAPIBaseURL = "https://api.twitter.com/2"

	// defaultTimeout is the HTTP client timeout for API calls. Video
	// uploads can be slow, so this is generous.
	defaultTimeout = 2 * time.Minute

	component = "TwitterAPI"
)

// Client posts media and tweets on behalf of one Twitter account.
type Client struct {
	httpClient    *http.Client
	uploadBaseURL string
	apiBaseURL    string
}

// NewClient creates a Twitter client signing requests with the given
// OAuth 1.0a user-context credentials.
func NewClient(apiKey, apiSecret, accessToken, accessSecret string) *Client {
	oauthConfig := oauth1.NewConfig(apiKey, apiSecret)
	token := oauth1.NewToken(accessToken, accessSecret)

	httpClient := oauthConfig.Client(oauth1.NoContext, token)
	httpClient.Timeout = defaultTimeout

	return &Client{
		httpClient:    httpClient,
		uploadBaseURL: defaultUploadBaseURL,
		apiBaseURL:    defaultAPIBaseURL,
	}
}

// --- API response types ---

// uploadResponse is the v1.1 media/upload response.
type uploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

// tweetRequest is the v2 POST /tweets body.
type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
	Reply *tweetReply `json:"reply,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

// tweetResponse is the v2 POST /tweets response.
type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// --- Media upload ---

// UploadMedia uploads one local media file and returns its media id.
// Videos are uploaded under the tweet_video category so Twitter processes
// them asynchronously.
func (c *Client) UploadMedia(ctx context.Context, localPath string, kind archive.MediaKind) (string, error) {
	log.Debug().Str("path", localPath).Str("kind", string(kind)).Msg("Uploading media")

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open media %s: %w", localPath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("media", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read media %s: %w", localPath, err)
	}
	if kind == archive.KindVideo {
		if err := writer.WriteField("media_category", "tweet_video"); err != nil {
			return "", fmt.Errorf("build upload form: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.uploadBaseURL+"/media/upload.json", &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	respBody, err := c.do(req, "upload media")
	if err != nil {
		return "", err
	}

	var resp uploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parse upload response: %w (body: %s)", err, apierror.Truncate(string(respBody), 200))
	}
	if resp.MediaIDString == "" {
		return "", &apierror.Error{
			Component: component,
			Message:   "upload returned no media id",
			Body:      apierror.Truncate(string(respBody), 200),
		}
	}

	log.Info().Str("mediaId", resp.MediaIDString).Str("path", localPath).Msg("Media uploaded")
	return resp.MediaIDString, nil
}

// --- Tweet creation ---

// CreatePost creates a tweet with the given text and media ids. When
// parentPostID is non-empty the tweet is posted as a reply to it,
// extending the account's thread. Returns the new tweet id.
func (c *Client) CreatePost(ctx context.Context, text string, mediaIDs []string, parentPostID string) (string, error) {
	log.Debug().
		Int("mediaCount", len(mediaIDs)).
		Str("parentId", parentPostID).
		Msg("Creating tweet")

	payload := tweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &tweetMedia{MediaIDs: mediaIDs}
	}
	if parentPostID != "" {
		payload.Reply = &tweetReply{InReplyToTweetID: parentPostID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal tweet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBaseURL+"/tweets", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req, "create tweet")
	if err != nil {
		return "", err
	}

	var resp tweetResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parse tweet response: %w (body: %s)", err, apierror.Truncate(string(respBody), 200))
	}
	if resp.Data.ID == "" {
		return "", &apierror.Error{
			Component: component,
			Message:   fmt.Sprintf("tweet creation returned no id: %s", resp.Detail),
			Body:      apierror.Truncate(string(respBody), 200),
		}
	}

	log.Info().Str("tweetId", resp.Data.ID).Str("parentId", parentPostID).Msg("Tweet posted")
	return resp.Data.ID, nil
}

// do executes the request and returns the response body, mapping network
// and HTTP-level failures to typed errors.
func (c *Client) do(req *http.Request, action string) ([]byte, error) {
	startTime := time.Now()
	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Int("statusCode", 0).Dur("duration", duration).Err(err).Msg("Twitter API response")
		return nil, &apierror.Error{Component: component, Message: fmt.Sprintf("%s: %v", action, err)}
	}
	defer httpResp.Body.Close()

	log.Debug().Int("statusCode", httpResp.StatusCode).Dur("duration", duration).Msg("Twitter API response")

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, &apierror.Error{
			Component:  component,
			Message:    action,
			StatusCode: httpResp.StatusCode,
			Body:       apierror.Truncate(string(body), 200),
		}
	}
	return body, nil
}
