// Package archive owns the persisted archive document: one JSON file
// holding, per Instagram account, the thread anchor/last post ids and an
// append-only list of archived story records.
//
// The document is the only cross-run state in the system. Every run loads
// it, mutates it in memory, and persists it atomically; publish status is
// derived solely from a record's tweet id list (empty means unpublished),
// never from a separate flag.
//
// Schema version 2 keys accounts by normalized Instagram username. Version 1
// documents (single account, story list at the top level) are migrated under
// the configured default account on load. Records additionally carry scalar
// mirrors of the first media item's path and kind for older readers; the
// list fields are authoritative whenever present.
package archive

import (
	"fmt"
	"strings"
)

// SchemaVersion is the current archive document schema version.
const SchemaVersion = 2

// MediaKind distinguishes the two media types a story can carry.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// MediaItem is one media file belonging to a story. RemoteURL is the
// source CDN URL owned by the fetch client; LocalPath is the cached copy
// owned by this package and cleared once the story has been published.
type MediaItem struct {
	LocalPath string    `json:"local_path,omitempty"`
	Kind      MediaKind `json:"kind"`
	RemoteURL string    `json:"remote_url,omitempty"`
}

// StoryRecord is the permanent record of one archived story. Records are
// appended in discovery order and never deleted. UploadTime (Unix seconds,
// UTC) is the authoritative timestamp for all eligibility and day-grouping
// decisions and is immutable after creation.
type StoryRecord struct {
	StoryID    string      `json:"story_id"`
	Username   string      `json:"instagram_username,omitempty"`
	ArchivedAt string      `json:"archived_at,omitempty"`
	UploadTime int64       `json:"taken_at"`
	MediaItems []MediaItem `json:"media_items,omitempty"`

	// PostIDs lists the tweet ids this story was published under.
	// Empty means not yet published; this is the sole publish-status flag.
	PostIDs []string `json:"tweet_ids"`

	// Legacy mirrors kept for pre-v2 readers. Refreshed on save, read back
	// only when MediaItems is absent. Never authoritative otherwise.
	MediaCount int       `json:"media_count,omitempty"`
	MediaURLs  []string  `json:"media_urls,omitempty"`
	MediaPath  string    `json:"media_path,omitempty"`
	MediaKind  MediaKind `json:"media_type,omitempty"`
}

// Published reports whether the story has been posted at least once.
func (r *StoryRecord) Published() bool {
	return len(r.PostIDs) > 0
}

// Account holds the per-account thread state and the archived stories.
type Account struct {
	AnchorPostID  string         `json:"anchor_tweet_id,omitempty"`
	LastPostID    string         `json:"last_tweet_id,omitempty"`
	LastCheckedAt string         `json:"last_check,omitempty"`
	Stories       []*StoryRecord `json:"archived_stories"`
}

// Unpublished returns the account's story records with no post ids yet,
// preserving discovery order.
func (a *Account) Unpublished() []*StoryRecord {
	var out []*StoryRecord
	for _, r := range a.Stories {
		if !r.Published() {
			out = append(out, r)
		}
	}
	return out
}

// Document is the whole persisted archive.
type Document struct {
	SchemaVersion int                 `json:"schema_version"`
	Accounts      map[string]*Account `json:"accounts"`
}

// NotFoundError reports a story id that does not exist in an account's
// archive. Callers must not write the document on this path.
type NotFoundError struct {
	Username string
	StoryID  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("story %s not archived for %s", e.StoryID, e.Username)
}

// NormalizeUsername canonicalizes an Instagram username for use as an
// account key: surrounding whitespace and a leading '@' are dropped.
func NormalizeUsername(username string) string {
	return strings.TrimPrefix(strings.TrimSpace(username), "@")
}
