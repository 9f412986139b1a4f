package instagram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/lostasf/instagram-story-archiver/internal/archive"
)

// containerKeys are the envelope keys the proxy has been observed to nest
// story lists under.
var containerKeys = []string{"result", "items", "stories", "reels_media", "tray", "media", "data", "story_items"}

// ParseStories extracts story descriptors from a raw proxy response.
// Unknown shapes yield an empty slice rather than an error; a response
// that is not JSON at all is an error.
func ParseStories(raw []byte) ([]Story, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	items := collectItems(payload)
	var stories []Story
	for _, item := range items {
		story, ok := storyFromItem(item)
		if !ok {
			continue
		}
		stories = append(stories, story)
	}
	if len(items) > 0 && len(stories) == 0 {
		log.Warn().Int("items", len(items)).Msg("Story items carried no usable media")
	}
	return stories, nil
}

// collectItems walks the payload and gathers every object that looks like
// a story item: one carrying a pk/id or media version fields.
func collectItems(payload any) []map[string]any {
	switch v := payload.(type) {
	case []any:
		var items []map[string]any
		for _, entry := range v {
			if m, ok := entry.(map[string]any); ok && isStoryItem(m) {
				items = append(items, m)
			} else {
				items = append(items, collectItems(entry)...)
			}
		}
		return items

	case map[string]any:
		var items []map[string]any
		for _, key := range containerKeys {
			if nested, ok := v[key]; ok {
				items = append(items, collectItems(nested)...)
			}
		}
		if len(items) > 0 {
			return items
		}
		if isStoryItem(v) {
			return []map[string]any{v}
		}
	}
	return nil
}

func isStoryItem(m map[string]any) bool {
	for _, key := range []string{"pk", "id", "image_versions2", "video_versions"} {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

// storyFromItem normalizes one raw item. Video wins over image when both
// version fields are present; the first (highest quality) variant is used.
func storyFromItem(item map[string]any) (Story, bool) {
	id := stringValue(item["pk"])
	if id == "" {
		id = stringValue(item["id"])
	}
	if id == "" {
		return Story{}, false
	}

	story := Story{ID: id, TakenAt: intValue(item["taken_at"])}

	if versions, ok := item["video_versions"].([]any); ok && len(versions) > 0 {
		if v, ok := versions[0].(map[string]any); ok {
			if url := stringValue(v["url"]); url != "" {
				story.Media = append(story.Media, Media{URL: url, Kind: archive.KindVideo})
			}
		}
	} else if iv, ok := item["image_versions2"].(map[string]any); ok {
		if candidates, ok := iv["candidates"].([]any); ok && len(candidates) > 0 {
			if c, ok := candidates[0].(map[string]any); ok {
				url := stringValue(c["url_downloadable"])
				if url == "" {
					url = stringValue(c["url"])
				}
				if url != "" {
					story.Media = append(story.Media, Media{URL: url, Kind: archive.KindImage})
				}
			}
		}
	}

	// Carousel children each arrive as their own item; an item without
	// media of its own is useless to the archiver.
	if len(story.Media) == 0 {
		return Story{}, false
	}
	return story, true
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return ""
}

func intValue(v any) int64 {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err == nil {
			return n
		}
		if f, ferr := t.Float64(); ferr == nil {
			return int64(f)
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
