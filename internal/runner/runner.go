// Package runner orchestrates a full archive run: fetch active stories
// into the local cache, then publish every day-complete batch to the
// thread.
//
// The coordinator owns crash safety. The archive document is saved after
// every account during fetch, after every posted batch during publish
// (through the publisher's commit hook), and unconditionally before any
// error is surfaced. A rerun after a crash or a transient API failure
// therefore resumes exactly where the previous run stopped, without
// duplicating posts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lostasf/instagram-story-archiver/internal/apierror"
	"github.com/lostasf/instagram-story-archiver/internal/archive"
	"github.com/lostasf/instagram-story-archiver/internal/batch"
	"github.com/lostasf/instagram-story-archiver/internal/config"
	"github.com/lostasf/instagram-story-archiver/internal/eligibility"
	"github.com/lostasf/instagram-story-archiver/internal/instagram"
)

// StorySource lists the currently active stories of an account.
type StorySource interface {
	ListStories(ctx context.Context, username string) ([]instagram.Story, error)
}

// MediaCache downloads story media into the local cache.
type MediaCache interface {
	Download(ctx context.Context, url, name string, kind archive.MediaKind) (string, error)
	CleanupOld(keep int) error
}

// Publisher posts the batched day groups of one account.
type Publisher interface {
	PublishAccount(ctx context.Context, username string, days []batch.DayGroup) (int, error)
}

// Notifier receives run outcome events. All methods are best effort.
type Notifier interface {
	FetchSuccess(ctx context.Context, username string, storyCount int)
	FetchError(ctx context.Context, username string, err error)
	PublishSuccess(ctx context.Context, username string, batches int, lastPostID string)
	PublishError(ctx context.Context, username string, err error)
}

type nopNotifier struct{}

func (nopNotifier) FetchSuccess(context.Context, string, int)           {}
func (nopNotifier) FetchError(context.Context, string, error)           {}
func (nopNotifier) PublishSuccess(context.Context, string, int, string) {}
func (nopNotifier) PublishError(context.Context, string, error)         {}

// Coordinator drives the fetch and publish phases across all configured
// accounts.
type Coordinator struct {
	cfg        *config.Config
	store      *archive.Store
	source     StorySource
	cache      MediaCache
	publisher  Publisher
	classifier *eligibility.Classifier
	notifier   Notifier
	now        func() time.Time
}

// New creates a Coordinator. notifier may be nil.
func New(cfg *config.Config, store *archive.Store, source StorySource, cache MediaCache, pub Publisher, notifier Notifier) *Coordinator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		source:     source,
		cache:      cache,
		publisher:  pub,
		classifier: eligibility.New(cfg.OffsetHours),
		notifier:   notifier,
		now:        time.Now,
	}
}

// Fetch lists and caches the active stories of every configured account.
//
// A listing failure for one account is logged and skips to the next
// account, except authorization failures, which abort the run: every
// further call would fail the same way. A single media download failure
// never fails the account; the story keeps its remote URL and the
// download is retried on the next run.
func (c *Coordinator) Fetch(ctx context.Context) error {
	return c.fetch(ctx, runLogger(uuid.NewString()))
}

// runLogger derives a logger stamped with the run correlation id, so
// every log line of one run can be tied back together.
func runLogger(runID string) zerolog.Logger {
	return log.With().Str("runId", runID).Logger()
}

func (c *Coordinator) fetch(ctx context.Context, logger zerolog.Logger) error {
	logger.Info().Strs("accounts", c.cfg.Usernames).Msg("Fetching stories")

	for _, username := range c.cfg.Usernames {
		stories, err := c.source.ListStories(ctx, username)
		if err != nil {
			c.notifier.FetchError(ctx, username, err)
			if apierror.IsAuth(err) {
				c.saveQuietly()
				return fmt.Errorf("fetch stories for %s: %w", username, err)
			}
			logger.Warn().Err(err).Str("account", username).Msg("Story fetch failed, skipping account")
			continue
		}

		sortByUploadTime(stories)
		for _, story := range stories {
			c.cacheStory(ctx, logger, username, story)
		}
		c.store.TouchLastChecked(username, c.now())

		if err := c.store.Save(); err != nil {
			return err
		}

		logger.Info().Str("account", username).Int("stories", len(stories)).Msg("Stories cached")
		c.notifier.FetchSuccess(ctx, username, len(stories))
	}
	return nil
}

// sortByUploadTime orders a listing chronologically before archiving.
// Records enter the archive in discovery order and the batcher preserves
// that order, so a proxy that lists newest-first would otherwise bake a
// reversed sequence into every within-day post.
func sortByUploadTime(stories []instagram.Story) {
	sort.SliceStable(stories, func(i, j int) bool { return stories[i].TakenAt < stories[j].TakenAt })
}

// cacheStory records the story and downloads any media that is not in
// the local cache yet.
func (c *Coordinator) cacheStory(ctx context.Context, logger zerolog.Logger, username string, story instagram.Story) {
	items := make([]archive.MediaItem, 0, len(story.Media))
	for _, m := range story.Media {
		items = append(items, archive.MediaItem{RemoteURL: m.URL, Kind: m.Kind})
	}

	record, created := c.store.UpsertStory(username, story.ID, archive.StoryFields{
		UploadTime: story.TakenAt,
		MediaItems: items,
	})
	if created {
		logger.Info().Str("account", username).Str("storyId", story.ID).Int("media", len(items)).Msg("New story archived")
	}
	if record.Published() {
		// Cache files for published stories were cleared on purpose.
		return
	}

	for i := range record.MediaItems {
		item := &record.MediaItems[i]
		if item.LocalPath != "" || item.RemoteURL == "" {
			continue
		}
		name := fmt.Sprintf("%s_%s_%d", username, story.ID, i)
		local, err := c.cache.Download(ctx, item.RemoteURL, name, item.Kind)
		if err != nil {
			logger.Warn().Err(err).
				Str("account", username).
				Str("storyId", story.ID).
				Int("index", i).
				Msg("Media download failed, will retry next run")
			continue
		}
		item.LocalPath = local
	}
}

// Publish posts every publishable batch of every configured account.
//
// The archive is saved before any error is surfaced and once more on
// success. Authorization failures abort the remaining accounts;
// transient failures move on to the next account and are reported
// joined at the end.
func (c *Coordinator) Publish(ctx context.Context) error {
	return c.publish(ctx, runLogger(uuid.NewString()))
}

func (c *Coordinator) publish(ctx context.Context, logger zerolog.Logger) error {
	now := c.now()
	var accountErrs []error

	for _, username := range c.cfg.Usernames {
		account := c.store.Account(username)
		publishable, deferred := c.classifier.Classify(now, account.Unpublished())
		if len(deferred) > 0 {
			logger.Info().Str("account", username).Int("deferred", len(deferred)).Msg("Same-day stories wait for the day to close")
		}
		if len(publishable) == 0 {
			logger.Info().Str("account", username).Msg("No publishable stories")
			continue
		}

		days := batch.GroupByDay(publishable, c.classifier.Location())
		logger.Info().Str("account", username).Int("stories", len(publishable)).Int("days", len(days)).Msg("Publishing day groups")
		posted, err := c.publisher.PublishAccount(ctx, username, days)
		if err != nil {
			c.saveQuietly()
			c.notifier.PublishError(ctx, username, err)
			wrapped := fmt.Errorf("publish %s: %w", username, err)
			if apierror.IsAuth(err) {
				return wrapped
			}
			logger.Warn().Err(err).Str("account", username).Int("posted", posted).Msg("Publish halted, progress kept")
			accountErrs = append(accountErrs, wrapped)
			continue
		}
		if posted > 0 {
			logger.Info().Str("account", username).Int("posted", posted).Msg("Account published")
			c.notifier.PublishSuccess(ctx, username, posted, c.store.Account(username).LastPostID)
		}
	}

	if err := c.store.Save(); err != nil {
		accountErrs = append(accountErrs, err)
	}
	return errors.Join(accountErrs...)
}

// Run performs a full fetch-then-publish cycle and trims the media
// cache afterwards. Both phases log under the same run id.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := runLogger(uuid.NewString())

	if err := c.fetch(ctx, logger); err != nil {
		return err
	}
	if err := c.publish(ctx, logger); err != nil {
		return err
	}

	if c.cfg.MediaKeep > 0 {
		if err := c.cache.CleanupOld(c.cfg.MediaKeep); err != nil {
			logger.Warn().Err(err).Msg("Cache cleanup failed")
		}
	}
	return nil
}

// ArchiveStory fetches and caches one specific active story without
// publishing anything. It fails when the story id is not among the
// account's active stories.
func (c *Coordinator) ArchiveStory(ctx context.Context, username, storyID string) error {
	logger := runLogger(uuid.NewString())

	stories, err := c.source.ListStories(ctx, username)
	if err != nil {
		return fmt.Errorf("fetch stories for %s: %w", username, err)
	}

	sortByUploadTime(stories)
	for _, story := range stories {
		if story.ID != storyID {
			continue
		}
		c.cacheStory(ctx, logger, username, story)
		c.store.TouchLastChecked(username, c.now())
		return c.store.Save()
	}
	return fmt.Errorf("story %s not found among %d active stories of %s", storyID, len(stories), username)
}

// Status returns per-account archive statistics together with the
// current publishable/deferred split.
func (c *Coordinator) Status() Status {
	now := c.now()
	stats := c.store.Statistics()
	status := Status{ArchivePath: c.store.Path(), GeneratedAt: now}

	for _, as := range stats.Accounts {
		publishable, deferred := c.classifier.Classify(now, c.store.Account(as.Username).Unpublished())
		status.Accounts = append(status.Accounts, AccountStatus{
			AccountStats: as,
			Publishable:  len(publishable),
			Deferred:     len(deferred),
		})
	}
	return status
}

// AccountStatus is one account's archive statistics plus the split of
// its pending stories as of now.
type AccountStatus struct {
	archive.AccountStats
	Publishable int
	Deferred    int
}

// Status is a point-in-time view of the whole archive.
type Status struct {
	ArchivePath string
	GeneratedAt time.Time
	Accounts    []AccountStatus
}

func (c *Coordinator) saveQuietly() {
	if err := c.store.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save archive while handling another error")
	}
}
