// Package publisher turns batched story media into an ordered reply
// thread on the publish platform.
//
// Each account owns one thread rooted at an anchor post that is created
// exactly once and never reused as content. Batches are posted strictly
// sequentially: the post id of batch i is the reply parent of batch i+1,
// so no publish calls are ever issued in parallel for an account. After
// every successful post the contributing story records are marked
// published and the archive is committed, which is what makes an
// interrupted run resumable.
package publisher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lostasf/instagram-story-archiver/internal/archive"
	"github.com/lostasf/instagram-story-archiver/internal/batch"
)

// Client is the external publish collaborator. Implementations return
// typed errors distinguishing authorization failures from transient ones.
type Client interface {
	UploadMedia(ctx context.Context, localPath string, kind archive.MediaKind) (string, error)
	CreatePost(ctx context.Context, text string, mediaIDs []string, parentPostID string) (string, error)
}

// Captions provides the per-account thread texts.
type Captions interface {
	AnchorText(username string) string
	StoryCaption(username string, day time.Time) string
}

// CommitFunc persists the archive. It is invoked after every batch whose
// results have been recorded, so partial progress survives a later
// failure.
type CommitFunc func() error

// ThreadPublisher posts day-grouped media batches for one run.
type ThreadPublisher struct {
	store      *archive.Store
	client     Client
	captions   Captions
	maxPerPost int
	commit     CommitFunc
}

// New creates a ThreadPublisher. commit may be nil when durable
// per-batch persistence is not wanted (tests).
func New(store *archive.Store, client Client, captions Captions, maxPerPost int, commit CommitFunc) *ThreadPublisher {
	if commit == nil {
		commit = func() error { return nil }
	}
	return &ThreadPublisher{
		store:      store,
		client:     client,
		captions:   captions,
		maxPerPost: maxPerPost,
		commit:     commit,
	}
}

// EnsureAnchor returns the account's anchor post id, creating the anchor
// post first if the account has none. The anchor id is committed
// immediately: losing it would orphan the thread root.
func (p *ThreadPublisher) EnsureAnchor(ctx context.Context, username string) (string, error) {
	account := p.store.Account(username)
	if account.AnchorPostID != "" {
		log.Debug().Str("account", username).Str("anchorId", account.AnchorPostID).Msg("Using existing anchor")
		return account.AnchorPostID, nil
	}

	text := p.captions.AnchorText(username)
	log.Info().Str("account", username).Msg("Creating anchor post")

	anchorID, err := p.client.CreatePost(ctx, text, nil, "")
	if err != nil {
		return "", fmt.Errorf("create anchor for %s: %w", username, err)
	}
	if err := p.store.SetAnchorPostID(username, anchorID); err != nil {
		return "", err
	}
	p.store.SetLastPostID(username, anchorID)
	if err := p.commit(); err != nil {
		return "", err
	}

	log.Info().Str("account", username).Str("anchorId", anchorID).Msg("Anchor post created")
	return anchorID, nil
}

// PublishAccount posts every batch of the given day groups, oldest day
// first, and returns the number of batches posted.
//
// A batch that cannot be fully assembled from the local cache is skipped
// for this run and revisited on the next one. An upload or post failure
// halts the account immediately; batches already posted stay committed.
func (p *ThreadPublisher) PublishAccount(ctx context.Context, username string, days []batch.DayGroup) (int, error) {
	type dayBatches struct {
		day     time.Time
		batches []batch.Batch
	}
	var work []dayBatches
	total := 0
	for _, day := range days {
		batches := batch.Build(day.Records, p.maxPerPost)
		if len(batches) == 0 {
			continue
		}
		work = append(work, dayBatches{day.Day, batches})
		total += len(batches)
	}
	if total == 0 {
		log.Info().Str("account", username).Msg("Nothing to publish")
		return 0, nil
	}

	anchorID, err := p.EnsureAnchor(ctx, username)
	if err != nil {
		return 0, err
	}

	parentID := p.store.Account(username).LastPostID
	if parentID == "" {
		parentID = anchorID
	}

	posted := 0
	for _, dw := range work {
		caption := p.captions.StoryCaption(username, dw.day)
		for _, b := range dw.batches {
			if !assemblable(b) {
				log.Warn().
					Str("account", username).
					Strs("storyIds", b.StoryIDs).
					Msg("Batch missing cached media, skipping until next run")
				continue
			}

			text := caption
			if b.CaptionSuffix != "" {
				text = caption + " " + b.CaptionSuffix
			}

			postID, err := p.postBatch(ctx, username, b, text, parentID)
			if err != nil {
				return posted, err
			}
			parentID = postID
			posted++

			if err := p.commit(); err != nil {
				return posted, err
			}
		}
	}

	log.Info().Str("account", username).Int("posted", posted).Msg("Account thread up to date")
	return posted, nil
}

// postBatch uploads a batch's items, creates the post, and records the
// results for every contributing story.
func (p *ThreadPublisher) postBatch(ctx context.Context, username string, b batch.Batch, text, parentID string) (string, error) {
	mediaIDs := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		mediaID, err := p.client.UploadMedia(ctx, item.Media.LocalPath, item.Media.Kind)
		if err != nil {
			return "", fmt.Errorf("upload media for story %s: %w", item.StoryID, err)
		}
		mediaIDs = append(mediaIDs, mediaID)
	}

	postID, err := p.client.CreatePost(ctx, text, mediaIDs, parentID)
	if err != nil {
		return "", fmt.Errorf("post batch for %s: %w", username, err)
	}

	p.store.SetLastPostID(username, postID)
	for _, storyID := range b.StoryIDs {
		if err := p.store.MarkPublished(username, storyID, []string{postID}); err != nil {
			return "", err
		}
	}

	log.Info().
		Str("account", username).
		Str("postId", postID).
		Int("items", len(b.Items)).
		Strs("storyIds", b.StoryIDs).
		Msg("Batch posted")
	return postID, nil
}

// assemblable reports whether every item of the batch is present in the
// local cache.
func assemblable(b batch.Batch) bool {
	for _, item := range b.Items {
		if item.Media.LocalPath == "" {
			return false
		}
		if _, err := os.Stat(item.Media.LocalPath); err != nil {
			return false
		}
	}
	return true
}
