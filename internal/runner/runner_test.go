package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/lostasf/instagram-story-archiver/internal/apierror"
	"github.com/lostasf/instagram-story-archiver/internal/archive"
	"github.com/lostasf/instagram-story-archiver/internal/batch"
	"github.com/lostasf/instagram-story-archiver/internal/config"
	"github.com/lostasf/instagram-story-archiver/internal/eligibility"
	"github.com/lostasf/instagram-story-archiver/internal/instagram"
)

type fakeSource struct {
	stories map[string][]instagram.Story
	errs    map[string]error
	calls   int
}

func (f *fakeSource) ListStories(_ context.Context, username string) ([]instagram.Story, error) {
	f.calls++
	if err := f.errs[username]; err != nil {
		return nil, err
	}
	return f.stories[username], nil
}

type fakeCache struct {
	downloads []string
	failURLs  map[string]bool
	cleanKeep int
}

func (f *fakeCache) Download(_ context.Context, url, name string, kind archive.MediaKind) (string, error) {
	if f.failURLs[url] {
		return "", &apierror.Error{Component: "MediaDownload", Message: "bad gateway", StatusCode: 502}
	}
	f.downloads = append(f.downloads, url)
	ext := ".jpg"
	if kind == archive.KindVideo {
		ext = ".mp4"
	}
	return filepath.Join("/cache", name+ext), nil
}

func (f *fakeCache) CleanupOld(keep int) error {
	f.cleanKeep = keep
	return nil
}

type publishResult struct {
	posted int
	err    error
}

type fakePublisher struct {
	results map[string]publishResult
	seen    map[string][]batch.DayGroup
}

func (f *fakePublisher) PublishAccount(_ context.Context, username string, days []batch.DayGroup) (int, error) {
	if f.seen == nil {
		f.seen = map[string][]batch.DayGroup{}
	}
	f.seen[username] = days
	r := f.results[username]
	return r.posted, r.err
}

func testConfig(usernames ...string) *config.Config {
	return &config.Config{
		Usernames:   usernames,
		OffsetHours: 7,
		MaxPerPost:  4,
	}
}

func openStore(t *testing.T) *archive.Store {
	t.Helper()
	store, err := archive.Open(filepath.Join(t.TempDir(), "archive.json"), "")
	require.NoError(t, err)
	return store
}

func story(id string, takenAt time.Time, urls ...string) instagram.Story {
	s := instagram.Story{ID: id, TakenAt: takenAt.Unix()}
	for _, u := range urls {
		s.Media = append(s.Media, instagram.Media{URL: u, Kind: archive.KindImage})
	}
	return s
}

func TestFetch_CachesStoriesAndPersists(t *testing.T) {
	store := openStore(t)
	takenAt := time.Now().Add(-2 * time.Hour)
	source := &fakeSource{stories: map[string][]instagram.Story{
		"acct": {story("s1", takenAt, "https://cdn/a", "https://cdn/b")},
	}}
	cache := &fakeCache{}
	c := New(testConfig("acct"), store, source, cache, &fakePublisher{}, nil)

	require.NoError(t, c.Fetch(context.Background()))
	require.Len(t, cache.downloads, 2)

	// The document was saved; a fresh store sees the cached story.
	reopened, err := archive.Open(store.Path(), "")
	require.NoError(t, err)
	account := reopened.Account("acct")
	require.Len(t, account.Stories, 1)
	require.NotEmpty(t, account.LastCheckedAt)
	rec := account.Stories[0]
	require.Equal(t, takenAt.Unix(), rec.UploadTime)
	require.Len(t, rec.MediaItems, 2)
	require.Equal(t, "/cache/acct_s1_0.jpg", rec.MediaItems[0].LocalPath)
	require.Equal(t, "https://cdn/b", rec.MediaItems[1].RemoteURL)
}

func TestFetch_SortsListingByUploadTime(t *testing.T) {
	// The proxy lists newest-first; archived order (and therefore batch
	// order) must still be chronological.
	store := openStore(t)
	loc := time.FixedZone("UTC+7", 7*3600)
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, loc)
	source := &fakeSource{stories: map[string][]instagram.Story{
		"acct": {
			story("later", day.Add(14*time.Hour), "https://cdn/b"),
			story("earlier", day.Add(9*time.Hour), "https://cdn/a"),
		},
	}}
	c := New(testConfig("acct"), store, source, &fakeCache{}, &fakePublisher{}, nil)

	require.NoError(t, c.Fetch(context.Background()))

	stories := store.Account("acct").Stories
	require.Equal(t, "earlier", stories[0].StoryID)
	require.Equal(t, "later", stories[1].StoryID)

	// The whole pipeline sees the same order: the day's first batch item
	// belongs to the 09:00 story.
	classifier := eligibility.New(7)
	publishable, _ := classifier.Classify(day.AddDate(0, 0, 1).Add(8*time.Hour), store.Account("acct").Unpublished())
	days := batch.GroupByDay(publishable, classifier.Location())
	require.Len(t, days, 1)
	batches := batch.Build(days[0].Records, 4)
	require.Equal(t, "earlier", batches[0].Items[0].StoryID)
}

func TestFetch_DownloadFailureRetriedNextRun(t *testing.T) {
	store := openStore(t)
	source := &fakeSource{stories: map[string][]instagram.Story{
		"acct": {story("s1", time.Now(), "https://cdn/a")},
	}}
	cache := &fakeCache{failURLs: map[string]bool{"https://cdn/a": true}}
	c := New(testConfig("acct"), store, source, cache, &fakePublisher{}, nil)

	// First run: download fails, the story is still recorded with its
	// remote URL so nothing is lost.
	require.NoError(t, c.Fetch(context.Background()))
	rec := store.Account("acct").Stories[0]
	require.Empty(t, rec.MediaItems[0].LocalPath)
	require.Equal(t, "https://cdn/a", rec.MediaItems[0].RemoteURL)

	// Second run: the CDN recovered and the same record gains its local
	// copy.
	cache.failURLs = nil
	require.NoError(t, c.Fetch(context.Background()))
	rec = store.Account("acct").Stories[0]
	require.Equal(t, "/cache/acct_s1_0.jpg", rec.MediaItems[0].LocalPath)
}

func TestFetch_ListErrorSkipsAccountAuthErrorAborts(t *testing.T) {
	store := openStore(t)
	transient := &apierror.Error{Component: "InstagramAPI", Message: "rate limited", StatusCode: 429}
	source := &fakeSource{
		stories: map[string][]instagram.Story{"b": {story("s1", time.Now(), "https://cdn/a")}},
		errs:    map[string]error{"a": transient},
	}
	cache := &fakeCache{}
	c := New(testConfig("a", "b"), store, source, cache, &fakePublisher{}, nil)

	// Transient listing failure on "a" does not stop "b".
	require.NoError(t, c.Fetch(context.Background()))
	require.Len(t, store.Account("b").Stories, 1)

	// An authorization failure aborts the whole fetch.
	source.errs["a"] = &apierror.Error{Component: "InstagramAPI", Message: "invalid key", StatusCode: 401}
	err := c.Fetch(context.Background())
	require.Error(t, err)
	require.True(t, apierror.IsAuth(err))
}

func TestPublish_ClassifiesGroupsAndDefers(t *testing.T) {
	store := openStore(t)
	loc := time.FixedZone("UTC+7", 7*3600)
	now := time.Date(2024, 3, 11, 9, 0, 0, 0, loc)

	// One story from yesterday (publishable) and one from today
	// (deferred until tomorrow).
	store.UpsertStory("acct", "old", archive.StoryFields{
		UploadTime: now.AddDate(0, 0, -1).Unix(),
		MediaItems: []archive.MediaItem{{LocalPath: "/cache/x.jpg", Kind: archive.KindImage}},
	})
	store.UpsertStory("acct", "fresh", archive.StoryFields{
		UploadTime: now.Add(-time.Hour).Unix(),
		MediaItems: []archive.MediaItem{{LocalPath: "/cache/y.jpg", Kind: archive.KindImage}},
	})

	pub := &fakePublisher{results: map[string]publishResult{"acct": {posted: 1}}}
	c := New(testConfig("acct"), store, &fakeSource{}, &fakeCache{}, pub, nil)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Publish(context.Background()))

	days := pub.seen["acct"]
	require.Len(t, days, 1)
	require.Len(t, days[0].Records, 1)
	require.Equal(t, "old", days[0].Records[0].StoryID)
}

func TestPublish_TransientErrorContinuesAuthErrorAborts(t *testing.T) {
	store := openStore(t)
	for _, u := range []string{"a", "b"} {
		store.UpsertStory(u, u+"-s1", archive.StoryFields{
			UploadTime: time.Now().AddDate(0, 0, -1).Unix(),
			MediaItems: []archive.MediaItem{{LocalPath: "/cache/x.jpg", Kind: archive.KindImage}},
		})
	}

	transient := &apierror.Error{Component: "TwitterAPI", Message: "overloaded", StatusCode: 503}
	pub := &fakePublisher{results: map[string]publishResult{
		"a": {posted: 0, err: transient},
		"b": {posted: 1},
	}}
	c := New(testConfig("a", "b"), store, &fakeSource{}, &fakeCache{}, pub, nil)

	err := c.Publish(context.Background())
	require.Error(t, err)
	require.True(t, apierror.IsTransient(err))
	require.Contains(t, pub.seen, "b") // "b" still ran

	// Authorization failure on "a" stops before "b".
	pub.seen = nil
	pub.results["a"] = publishResult{err: &apierror.Error{Component: "TwitterAPI", Message: "forbidden", StatusCode: 403}}
	err = c.Publish(context.Background())
	require.Error(t, err)
	require.True(t, apierror.IsAuth(err))
	require.NotContains(t, pub.seen, "b")
}

func TestPublish_SavesBeforeSurfacingError(t *testing.T) {
	store := openStore(t)
	store.UpsertStory("acct", "s1", archive.StoryFields{
		UploadTime: time.Now().AddDate(0, 0, -1).Unix(),
		MediaItems: []archive.MediaItem{{LocalPath: "/cache/x.jpg", Kind: archive.KindImage}},
	})

	pub := &fakePublisher{results: map[string]publishResult{
		"acct": {err: &apierror.Error{Component: "TwitterAPI", Message: "forbidden", StatusCode: 403}},
	}}
	c := New(testConfig("acct"), store, &fakeSource{}, &fakeCache{}, pub, nil)

	require.Error(t, c.Publish(context.Background()))

	// The document reached disk despite the error.
	reopened, err := archive.Open(store.Path(), "")
	require.NoError(t, err)
	require.Len(t, reopened.Account("acct").Stories, 1)
}

func TestRun_CleansCacheAfterSuccess(t *testing.T) {
	store := openStore(t)
	cache := &fakeCache{}
	cfg := testConfig("acct")
	cfg.MediaKeep = 25
	c := New(cfg, store, &fakeSource{}, cache, &fakePublisher{}, nil)

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, 25, cache.cleanKeep)
}

func TestRun_FetchAndPublishShareRunID(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	store := openStore(t)
	c := New(testConfig("acct"), store, &fakeSource{}, &fakeCache{}, &fakePublisher{}, nil)

	require.NoError(t, c.Run(context.Background()))

	ids := map[string]string{}
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry struct {
			RunID   string `json:"runId"`
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry.RunID != "" {
			ids[entry.Message] = entry.RunID
		}
	}

	require.Contains(t, ids, "Fetching stories")
	require.Contains(t, ids, "No publishable stories")
	require.NotEmpty(t, ids["Fetching stories"])
	require.Equal(t, ids["Fetching stories"], ids["No publishable stories"])
}

func TestArchiveStory(t *testing.T) {
	store := openStore(t)
	source := &fakeSource{stories: map[string][]instagram.Story{
		"acct": {
			story("s1", time.Now(), "https://cdn/a"),
			story("s2", time.Now(), "https://cdn/b"),
		},
	}}
	c := New(testConfig("acct"), store, source, &fakeCache{}, &fakePublisher{}, nil)

	require.NoError(t, c.ArchiveStory(context.Background(), "acct", "s2"))
	account := store.Account("acct")
	require.Len(t, account.Stories, 1)
	require.Equal(t, "s2", account.Stories[0].StoryID)

	err := c.ArchiveStory(context.Background(), "acct", "missing")
	require.ErrorContains(t, err, "not found")
}

func TestStatus(t *testing.T) {
	store := openStore(t)
	loc := time.FixedZone("UTC+7", 7*3600)
	now := time.Date(2024, 3, 11, 9, 0, 0, 0, loc)

	store.UpsertStory("acct", "old", archive.StoryFields{UploadTime: now.AddDate(0, 0, -1).Unix()})
	store.UpsertStory("acct", "fresh", archive.StoryFields{UploadTime: now.Add(-time.Minute).Unix()})
	published, _ := store.UpsertStory("acct", "done", archive.StoryFields{UploadTime: now.AddDate(0, 0, -2).Unix()})
	published.PostIDs = []string{"p1"}

	c := New(testConfig("acct"), store, &fakeSource{}, &fakeCache{}, &fakePublisher{}, nil)
	c.now = func() time.Time { return now }

	status := c.Status()
	require.Len(t, status.Accounts, 1)
	as := status.Accounts[0]
	require.Equal(t, "acct", as.Username)
	require.Equal(t, 3, as.TotalStories)
	require.Equal(t, 2, as.Unpublished)
	require.Equal(t, 1, as.Publishable)
	require.Equal(t, 1, as.Deferred)
	require.Equal(t, store.Path(), status.ArchivePath)
}
