package eligibility

import (
	"testing"
	"time"

	"github.com/lostasf/instagram-story-archiver/internal/archive"
)

// mustParse parses an RFC3339 instant for test fixtures.
func mustParse(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func record(id string, uploadTime time.Time) *archive.StoryRecord {
	return &archive.StoryRecord{StoryID: id, UploadTime: uploadTime.Unix()}
}

func TestClassify_DayBoundary(t *testing.T) {
	c := New(7)

	// Uploaded at 23:59:59 UTC+7 on day D.
	upload := mustParse(t, "2024-03-10T23:59:59+07:00")

	tests := []struct {
		name        string
		now         string
		publishable bool
	}{
		{"run at the upload instant", "2024-03-10T23:59:59+07:00", false},
		{"run just before midnight", "2024-03-10T23:59:59.999+07:00", false},
		{"run at midnight of D+1", "2024-03-11T00:00:00+07:00", true},
		{"run later on D+1", "2024-03-11T09:30:00+07:00", true},
		{"midnight of D+1 expressed in UTC", "2024-03-10T17:00:00Z", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now, err := time.Parse(time.RFC3339, tt.now)
			if err != nil {
				t.Fatalf("parse now: %v", err)
			}
			pub, def := c.Classify(now, []*archive.StoryRecord{record("s1", upload)})
			if got := len(pub) == 1; got != tt.publishable {
				t.Errorf("publishable = %v, want %v (deferred: %d)", got, tt.publishable, len(def))
			}
			if len(pub)+len(def) != 1 {
				t.Errorf("record lost: publishable=%d deferred=%d", len(pub), len(def))
			}
		})
	}
}

func TestClassify_BackfilledStoryImmediatelyPublishable(t *testing.T) {
	c := New(7)
	now := mustParse(t, "2024-03-11T00:00:01+07:00")
	old := record("old", mustParse(t, "2019-06-01T12:00:00+07:00"))

	pub, _ := c.Classify(now, []*archive.StoryRecord{old})
	if len(pub) != 1 {
		t.Fatalf("expected backfilled story to be publishable, got %d", len(pub))
	}
}

func TestClassify_PreservesDiscoveryOrder(t *testing.T) {
	c := New(7)
	now := mustParse(t, "2024-03-12T08:00:00+07:00")

	// Discovery order deliberately not chronological.
	records := []*archive.StoryRecord{
		record("b", mustParse(t, "2024-03-11T10:00:00+07:00")),
		record("a", mustParse(t, "2024-03-10T10:00:00+07:00")),
		record("d", mustParse(t, "2024-03-12T01:00:00+07:00")),
		record("c", mustParse(t, "2024-03-11T23:00:00+07:00")),
	}

	pub, def := c.Classify(now, records)
	wantPub := []string{"b", "a", "c"}
	if len(pub) != len(wantPub) {
		t.Fatalf("publishable count = %d, want %d", len(pub), len(wantPub))
	}
	for i, id := range wantPub {
		if pub[i].StoryID != id {
			t.Errorf("publishable[%d] = %s, want %s", i, pub[i].StoryID, id)
		}
	}
	if len(def) != 1 || def[0].StoryID != "d" {
		t.Errorf("deferred = %v, want [d]", def)
	}
}

func TestClassify_SkipsPublishedRecords(t *testing.T) {
	c := New(7)
	now := mustParse(t, "2024-03-12T08:00:00+07:00")

	published := record("done", mustParse(t, "2024-03-01T10:00:00+07:00"))
	published.PostIDs = []string{"tw-1"}

	pub, def := c.Classify(now, []*archive.StoryRecord{published})
	if len(pub) != 0 || len(def) != 0 {
		t.Errorf("published record selected again: publishable=%d deferred=%d", len(pub), len(def))
	}
}

func TestDayStart_ConvertsBackToUTC(t *testing.T) {
	c := New(7)
	now := mustParse(t, "2024-03-11T12:00:00+07:00")

	got := c.DayStart(now).UTC()
	want := mustParse(t, "2024-03-10T17:00:00Z").UTC()
	if !got.Equal(want) {
		t.Errorf("DayStart = %s, want %s", got, want)
	}
}
