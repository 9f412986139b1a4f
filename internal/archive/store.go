package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Store provides load/merge/append/update operations over the archive
// document and persists it atomically to a single JSON file.
//
// A Store is not safe for concurrent use. The run model is single-writer,
// single-process; the external scheduler guarantees runs never overlap.
type Store struct {
	path           string
	defaultAccount string
	doc            *Document
}

// StoryFields carries the mutable creation-time attributes of a story
// record for UpsertStory. Zero values leave existing fields untouched.
type StoryFields struct {
	UploadTime int64
	MediaItems []MediaItem
}

// Open loads the archive document at path, creating an empty one if the
// file does not exist. defaultAccount names the account that legacy
// single-account documents are migrated under.
func Open(path, defaultAccount string) (*Store, error) {
	s := &Store{
		path:           path,
		defaultAccount: NormalizeUsername(defaultAccount),
	}
	if s.defaultAccount == "" {
		s.defaultAccount = "default"
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file the store persists to.
func (s *Store) Path() string { return s.path }

// Document returns the in-memory document. Callers must treat it as
// read-only; mutations go through the Store methods.
func (s *Store) Document() *Document { return s.doc }

// load reads and normalizes the persisted document. A malformed document
// is a data-integrity failure: the error is returned and nothing is
// written, so the on-disk state stays inspectable.
func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", s.path).Msg("No archive found, starting empty")
		s.doc = &Document{SchemaVersion: SchemaVersion, Accounts: map[string]*Account{}}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	// legacyDocument overlays both the v2 shape and the v1 single-account
	// shape so one unmarshal covers both.
	var parsed struct {
		SchemaVersion int                 `json:"schema_version"`
		Accounts      map[string]*Account `json:"accounts"`

		Stories       []*StoryRecord `json:"archived_stories"`
		LastCheckedAt string         `json:"last_check"`
		AnchorPostID  string         `json:"anchor_tweet_id"`
		LastPostID    string         `json:"last_tweet_id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse archive %s: %w", s.path, err)
	}

	doc := &Document{SchemaVersion: SchemaVersion, Accounts: parsed.Accounts}
	if doc.Accounts == nil {
		doc.Accounts = map[string]*Account{}
		if parsed.Stories != nil {
			// Legacy v1 document: a single account at the top level.
			doc.Accounts[s.defaultAccount] = &Account{
				AnchorPostID:  parsed.AnchorPostID,
				LastPostID:    parsed.LastPostID,
				LastCheckedAt: parsed.LastCheckedAt,
				Stories:       parsed.Stories,
			}
			log.Info().
				Str("account", s.defaultAccount).
				Int("stories", len(parsed.Stories)).
				Msg("Migrated legacy single-account archive")
		}
	}

	normalized := make(map[string]*Account, len(doc.Accounts))
	for username, account := range doc.Accounts {
		if account == nil {
			account = &Account{}
		}
		normalizeAccount(account)
		normalized[NormalizeUsername(username)] = account
	}
	doc.Accounts = normalized

	s.doc = doc
	return nil
}

// normalizeAccount fills absent fields in place. It only ever adds:
// replacing a present story list here once silently discarded an entire
// archive, so the list is kept untouched apart from per-record defaults.
func normalizeAccount(account *Account) {
	if account.Stories == nil {
		account.Stories = []*StoryRecord{}
	}
	for _, r := range account.Stories {
		if r.PostIDs == nil {
			r.PostIDs = []string{}
		}
		if len(r.MediaItems) == 0 {
			r.MediaItems = mediaFromLegacy(r)
		}
	}
}

// mediaFromLegacy reconstructs the media item list from the pre-v2 scalar
// and URL-list fields. Used only when the list field is absent.
func mediaFromLegacy(r *StoryRecord) []MediaItem {
	kind := r.MediaKind
	if kind == "" {
		kind = KindImage
	}
	var items []MediaItem
	for i, u := range r.MediaURLs {
		item := MediaItem{RemoteURL: u, Kind: kind}
		if i == 0 {
			item.LocalPath = r.MediaPath
		}
		items = append(items, item)
	}
	if items == nil && (r.MediaPath != "" || r.MediaKind != "") {
		items = []MediaItem{{LocalPath: r.MediaPath, Kind: kind}}
	}
	return items
}

// refreshLegacyMirrors rewrites the compatibility fields from the
// authoritative media item list before persisting.
func refreshLegacyMirrors(r *StoryRecord) {
	r.MediaCount = len(r.MediaItems)
	r.MediaURLs = r.MediaURLs[:0]
	for _, m := range r.MediaItems {
		if m.RemoteURL != "" {
			r.MediaURLs = append(r.MediaURLs, m.RemoteURL)
		}
	}
	if len(r.MediaItems) > 0 {
		r.MediaPath = r.MediaItems[0].LocalPath
		r.MediaKind = r.MediaItems[0].Kind
	} else {
		r.MediaPath = ""
		r.MediaKind = ""
	}
}

// Save persists the whole document atomically: marshal, write to a
// temporary file in the same directory, then rename over the target.
// Safe to call repeatedly; a failed save leaves the previous file intact.
func (s *Store) Save() error {
	for _, account := range s.doc.Accounts {
		for _, r := range account.Stories {
			refreshLegacyMirrors(r)
		}
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".archive-*.json")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace archive: %w", err)
	}

	total := 0
	for _, account := range s.doc.Accounts {
		total += len(account.Stories)
	}
	log.Debug().Int("stories", total).Str("path", s.path).Msg("Archive saved")
	return nil
}

// Account returns the record for username, creating an empty one if
// needed. Defaulting is additive only: an existing story list is never
// replaced, whatever state the rest of the account is in.
func (s *Store) Account(username string) *Account {
	key := NormalizeUsername(username)
	if key == "" {
		key = s.defaultAccount
	}
	account, ok := s.doc.Accounts[key]
	if !ok || account == nil {
		account = &Account{Stories: []*StoryRecord{}}
		s.doc.Accounts[key] = account
		return account
	}
	normalizeAccount(account)
	return account
}

// findStory returns the record with the given story id, or nil.
func (a *Account) findStory(storyID string) *StoryRecord {
	for _, r := range a.Stories {
		if r.StoryID == storyID {
			return r
		}
	}
	return nil
}

// UpsertStory appends a new story record or merges fields into the
// existing one. The story id is the natural dedup key: a record is never
// re-inserted, and the merge only fills what is still missing, so
// repeating the identical call is a no-op. Returns the record and whether
// it was newly created.
func (s *Store) UpsertStory(username, storyID string, fields StoryFields) (*StoryRecord, bool) {
	account := s.Account(username)

	if r := account.findStory(storyID); r != nil {
		if r.UploadTime == 0 && fields.UploadTime != 0 {
			r.UploadTime = fields.UploadTime
		}
		if len(r.MediaItems) == 0 && !r.Published() && len(fields.MediaItems) > 0 {
			r.MediaItems = append([]MediaItem(nil), fields.MediaItems...)
		}
		return r, false
	}

	r := &StoryRecord{
		StoryID:    storyID,
		Username:   NormalizeUsername(username),
		ArchivedAt: time.Now().UTC().Format(time.RFC3339),
		UploadTime: fields.UploadTime,
		MediaItems: append([]MediaItem(nil), fields.MediaItems...),
		PostIDs:    []string{},
	}
	account.Stories = append(account.Stories, r)
	log.Info().Str("account", r.Username).Str("storyId", storyID).Msg("Story added to archive")
	return r, true
}

// MarkPublished appends newPostIDs to the story's post id list and clears
// the cached local paths: published content is not retained locally.
// Returns a *NotFoundError if the story id is unknown for the account.
func (s *Store) MarkPublished(username, storyID string, newPostIDs []string) error {
	account := s.Account(username)
	r := account.findStory(storyID)
	if r == nil {
		return &NotFoundError{Username: NormalizeUsername(username), StoryID: storyID}
	}
	r.PostIDs = append(r.PostIDs, newPostIDs...)
	for i := range r.MediaItems {
		r.MediaItems[i].LocalPath = ""
	}
	log.Info().
		Str("account", NormalizeUsername(username)).
		Str("storyId", storyID).
		Strs("postIds", newPostIDs).
		Msg("Story marked published")
	return nil
}

// SetAnchorPostID records the thread anchor for an account. The anchor is
// created once and immutable thereafter; resetting an existing anchor is
// refused.
func (s *Store) SetAnchorPostID(username, postID string) error {
	account := s.Account(username)
	if account.AnchorPostID != "" && account.AnchorPostID != postID {
		return fmt.Errorf("anchor already set for %s: %s", NormalizeUsername(username), account.AnchorPostID)
	}
	account.AnchorPostID = postID
	return nil
}

// SetLastPostID records the most recent post in the account's thread; it
// becomes the reply target for the next post.
func (s *Store) SetLastPostID(username, postID string) {
	s.Account(username).LastPostID = postID
}

// TouchLastChecked stamps the account's last fetch time.
func (s *Store) TouchLastChecked(username string, now time.Time) {
	s.Account(username).LastCheckedAt = now.UTC().Format(time.RFC3339)
}
