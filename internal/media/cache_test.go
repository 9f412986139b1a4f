package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lostasf/instagram-story-archiver/internal/apierror"
	"github.com/lostasf/instagram-story-archiver/internal/archive"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDownload_WritesAndReusesCache(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	c := newTestCache(t)
	path, err := c.Download(context.Background(), server.URL, "acct_1_0", archive.KindImage)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Errorf("image extension = %s, want .jpg", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "image-bytes" {
		t.Fatalf("cached content = %q, err %v", data, err)
	}

	// Second call must hit the cache, not the server.
	again, err := c.Download(context.Background(), server.URL, "acct_1_0", archive.KindImage)
	if err != nil {
		t.Fatalf("cached download: %v", err)
	}
	if again != path || hits != 1 {
		t.Errorf("cache not reused: path=%s hits=%d", again, hits)
	}
}

func TestDownload_VideoExtension(t *testing.T) {
	c := newTestCache(t)
	if got := c.Path("acct_2_0", archive.KindVideo); filepath.Ext(got) != ".mp4" {
		t.Errorf("video extension = %s, want .mp4", filepath.Ext(got))
	}
}

func TestDownload_HTTPErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestCache(t)
	_, err := c.Download(context.Background(), server.URL, "x", archive.KindImage)
	if err == nil {
		t.Fatal("expected error")
	}
	if !apierror.IsTransient(err) {
		t.Errorf("502 download failure should be transient, got %v", err)
	}

	// Failed downloads must not leave a cache entry behind.
	if _, statErr := os.Stat(c.Path("x", archive.KindImage)); !os.IsNotExist(statErr) {
		t.Error("failed download left a cache file")
	}
}

func TestCleanupOld_KeepsMostRecent(t *testing.T) {
	c := newTestCache(t)
	base := time.Now().Add(-1 * time.Hour)
	for i := 0; i < 5; i++ {
		path := filepath.Join(c.Dir(), string(rune('a'+i))+".jpg")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.CleanupOld(2); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	entries, err := os.ReadDir(c.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("kept %d files, want 2", len(entries))
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["d.jpg"] || !names["e.jpg"] {
		t.Errorf("wrong files kept: %v", names)
	}
}
