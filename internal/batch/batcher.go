// Package batch groups a day's publishable media into post-sized batches.
//
// The flattened media sequence (story discovery order, then item order
// within a story) is cut into greedy fixed-size windows of at most
// MaxPerPost items. Items are never reordered, and image/video kinds are
// mixed freely: only the count forces a split. This keeps the batch count
// at ceil(n/MaxPerPost) with an auditable earliest-item-first tie-break.
package batch

import (
	"fmt"
	"sort"
	"time"

	"github.com/lostasf/instagram-story-archiver/internal/archive"
)

// DefaultMaxPerPost is the target platform's per-post media limit.
const DefaultMaxPerPost = 4

// Item is one media file queued for posting, tagged with the story it
// belongs to so the story can be marked published afterwards.
type Item struct {
	StoryID string
	Media   archive.MediaItem
}

// Batch is a contiguous, order-preserving group of items destined for a
// single post.
type Batch struct {
	Items []Item

	// StoryIDs lists the distinct stories contributing items, in order of
	// first contribution.
	StoryIDs []string

	// CaptionSuffix is the progress label, "(k/n)" when the day needs more
	// than one post, empty otherwise.
	CaptionSuffix string
}

// DayGroup is one offset-local calendar day's worth of records, processed
// as an independent publishing unit.
type DayGroup struct {
	// Day is midnight of the calendar day in the offset timezone.
	Day time.Time

	// Records preserves discovery order within the day.
	Records []*archive.StoryRecord
}

// GroupByDay partitions records by the calendar day of their upload time
// in loc, oldest day first. Discovery order is preserved within each day.
func GroupByDay(records []*archive.StoryRecord, loc *time.Location) []DayGroup {
	byDay := map[int64]*DayGroup{}
	var order []int64
	for _, r := range records {
		local := time.Unix(r.UploadTime, 0).In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		key := day.Unix()
		g, ok := byDay[key]
		if !ok {
			g = &DayGroup{Day: day}
			byDay[key] = g
			order = append(order, key)
		}
		g.Records = append(g.Records, r)
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	groups := make([]DayGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, *byDay[key])
	}
	return groups
}

// Build flattens the records' media and cuts the sequence into batches of
// at most maxPerPost items. Records without media contribute nothing and
// are absent from every batch's StoryIDs.
func Build(records []*archive.StoryRecord, maxPerPost int) []Batch {
	if maxPerPost <= 0 {
		maxPerPost = DefaultMaxPerPost
	}

	var flat []Item
	for _, r := range records {
		for _, m := range r.MediaItems {
			flat = append(flat, Item{StoryID: r.StoryID, Media: m})
		}
	}
	if len(flat) == 0 {
		return nil
	}

	var batches []Batch
	for start := 0; start < len(flat); start += maxPerPost {
		end := start + maxPerPost
		if end > len(flat) {
			end = len(flat)
		}
		batches = append(batches, newBatch(flat[start:end]))
	}

	if n := len(batches); n > 1 {
		for i := range batches {
			batches[i].CaptionSuffix = fmt.Sprintf("(%d/%d)", i+1, n)
		}
	}
	return batches
}

func newBatch(items []Item) Batch {
	b := Batch{Items: items}
	seen := map[string]bool{}
	for _, item := range items {
		if !seen[item.StoryID] {
			seen[item.StoryID] = true
			b.StoryIDs = append(b.StoryIDs, item.StoryID)
		}
	}
	return b
}
