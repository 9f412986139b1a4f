// Package media manages the local media cache: downloading story media
// from their CDN URLs into a cache directory and pruning old files.
// Transcoding and compression are handled elsewhere and out of scope here.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lostasf/instagram-story-archiver/internal/apierror"
	"github.com/lostasf/instagram-story-archiver/internal/archive"
)

// downloadTimeout bounds a single media download.
const downloadTimeout = 60 * time.Second

// Cache is a directory of downloaded media files named deterministically
// by their media id, so re-running a failed fetch reuses what is already
// on disk.
type Cache struct {
	dir        string
	httpClient *http.Client
}

// NewCache opens (creating if needed) the cache directory.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media cache dir: %w", err)
	}
	return &Cache{
		dir:        dir,
		httpClient: &http.Client{Timeout: downloadTimeout},
	}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns the cache file path for a media id and kind.
func (c *Cache) Path(name string, kind archive.MediaKind) string {
	ext := "jpg"
	if kind == archive.KindVideo {
		ext = "mp4"
	}
	return filepath.Join(c.dir, fmt.Sprintf("%s.%s", name, ext))
}

// Download fetches url into the cache under name and returns the local
// path. An already-cached file is reused without a network call. Network
// and HTTP failures surface as typed transient errors.
func (c *Cache) Download(ctx context.Context, url, name string, kind archive.MediaKind) (string, error) {
	path := c.Path(name, kind)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		log.Debug().Str("path", path).Msg("Media already cached")
		return path, nil
	}

	log.Info().Str("kind", string(kind)).Str("url", apierror.Truncate(url, 80)).Msg("Downloading media")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &apierror.Error{Component: "MediaDownload", Message: fmt.Sprintf("download %s: %v", name, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &apierror.Error{
			Component:  "MediaDownload",
			Message:    fmt.Sprintf("download %s", name),
			StatusCode: resp.StatusCode,
		}
	}

	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &apierror.Error{Component: "MediaDownload", Message: fmt.Sprintf("download %s: %v", name, err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("move into cache: %w", err)
	}

	log.Info().Str("path", path).Int64("bytes", size).Msg("Media downloaded")
	return path, nil
}

// Remove deletes one cached file. Missing files are not an error.
func (c *Cache) Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove cached media")
	}
}

// CleanupOld removes the oldest cached files, keeping at most keep of the
// most recently modified ones.
func (c *Cache) CleanupOld(keep int) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}

	type fileAge struct {
		path    string
		modTime time.Time
	}
	var files []fileAge
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileAge{filepath.Join(c.dir, entry.Name()), info.ModTime()})
	}
	if len(files) <= keep {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	removed := 0
	for _, f := range files[:len(files)-keep] {
		c.Remove(f.path)
		removed++
	}
	log.Info().Int("removed", removed).Int("kept", keep).Msg("Old media cleaned up")
	return nil
}
