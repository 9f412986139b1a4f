// Package eligibility decides which unpublished stories may be posted on
// the current run. A story becomes publishable only once the calendar day
// of its upload, in a configured fixed UTC offset, has fully elapsed:
// same-day stories are never published same-day, however often the
// scheduler fires.
package eligibility

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lostasf/instagram-story-archiver/internal/archive"
)

// DefaultOffsetHours is the upload-day timezone offset (UTC+7, the
// audience timezone). Fixed offset, no DST; variable-offset timezones are
// unimplemented.
const DefaultOffsetHours = 7

// Classifier partitions unpublished story records into publishable and
// deferred sets relative to a day boundary.
type Classifier struct {
	loc *time.Location
}

// New returns a Classifier for the given fixed UTC offset in hours.
func New(offsetHours int) *Classifier {
	name := fmt.Sprintf("UTC%+d", offsetHours)
	return &Classifier{loc: time.FixedZone(name, offsetHours*3600)}
}

// Location returns the offset timezone used for day arithmetic.
func (c *Classifier) Location() *time.Location { return c.loc }

// DayStart returns midnight of now's calendar day in the offset timezone.
// Uploads strictly before this instant belong to an elapsed day.
func (c *Classifier) DayStart(now time.Time) time.Time {
	local := now.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
}

// Classify splits records into publishable (upload day fully elapsed) and
// deferred (same-day, left for a later run). Both slices preserve the
// input's discovery order. Records that already carry post ids must be
// filtered out by the caller; they are skipped defensively here as well.
func (c *Classifier) Classify(now time.Time, records []*archive.StoryRecord) (publishable, deferred []*archive.StoryRecord) {
	cutoff := c.DayStart(now).Unix()
	for _, r := range records {
		if r.Published() {
			continue
		}
		if r.UploadTime < cutoff {
			publishable = append(publishable, r)
		} else {
			deferred = append(deferred, r)
			log.Info().
				Str("storyId", r.StoryID).
				Time("uploadTime", time.Unix(r.UploadTime, 0).In(c.loc)).
				Msg("Story uploaded today, scheduled for a later run")
		}
	}
	return publishable, deferred
}
