package riskscore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker() (*Tracker, *time.Time) {
	tr := NewTracker()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestBlockBumpsScore(t *testing.T) {
	tr, _ := newTestTracker()

	tr.RecordBlock("auctions.example.com")
	assert.Equal(t, 25.0, tr.Score("auctions.example.com"))

	tr.RecordBlock("auctions.example.com")
	assert.Equal(t, 50.0, tr.Score("auctions.example.com"))
}

func TestScoreCapsAtHundred(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 10; i++ {
		tr.RecordBlock("auctions.example.com")
	}
	assert.Equal(t, 100.0, tr.Score("auctions.example.com"))
}

func TestServerErrorsBumpOnlyOnStreak(t *testing.T) {
	tr, _ := newTestTracker()

	tr.RecordServerError("auctions.example.com")
	tr.RecordServerError("auctions.example.com")
	assert.Equal(t, 0.0, tr.Score("auctions.example.com"))

	tr.RecordServerError("auctions.example.com")
	assert.Equal(t, 10.0, tr.Score("auctions.example.com"))
}

func TestSuccessResetsErrorStreakAndEasesScore(t *testing.T) {
	tr, _ := newTestTracker()

	tr.RecordBlock("auctions.example.com")
	tr.RecordServerError("auctions.example.com")
	tr.RecordServerError("auctions.example.com")
	tr.RecordSuccess("auctions.example.com")
	tr.RecordServerError("auctions.example.com")

	// The streak was broken, so the third 5xx after a success does not bump
	assert.Equal(t, 24.0, tr.Score("auctions.example.com"))
}

func TestScoreDecaysOverTime(t *testing.T) {
	tr, now := newTestTracker()

	tr.RecordBlock("auctions.example.com")
	*now = now.Add(10 * time.Minute)
	assert.Equal(t, 15.0, tr.Score("auctions.example.com"))

	*now = now.Add(time.Hour)
	assert.Equal(t, 0.0, tr.Score("auctions.example.com"))
}

func TestUnknownSiteScoresZero(t *testing.T) {
	tr, _ := newTestTracker()
	assert.Equal(t, 0.0, tr.Score("never-seen.example.com"))
}
