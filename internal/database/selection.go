package database

import (
	"time"

	"github.com/bryan-buckman/otdposter/internal/model"
)

// RecentDays is the cooldown during which a posted event is not reposted.
const RecentDays = 100

// SelectForPosting picks the event to post next among records. Never posted
// records are preferred; otherwise a record not posted during the RecentDays
// before ref is used. It returns false when every record was posted recently.
func (db *DB) SelectForPosting(records []model.StoredEvent, ref time.Time) (model.StoredEvent, bool) {
	return SelectForPosting(records, ref, db.intn)
}

// SelectForPosting is the selection rule with an explicit random source:
// intn(n) must return a value in [0, n).
func SelectForPosting(records []model.StoredEvent, ref time.Time, intn func(int) int) (model.StoredEvent, bool) {
	cutoff := model.TruncateDay(ref).AddDate(0, 0, -RecentDays)

	var fresh, notRecent []model.StoredEvent
	for _, rec := range records {
		if !rec.HasBeenPosted() {
			fresh = append(fresh, rec)
		}
		if !rec.PostedSince(cutoff) {
			notRecent = append(notRecent, rec)
		}
	}
	switch {
	case len(fresh) > 0:
		return fresh[intn(len(fresh))], true
	case len(notRecent) > 0:
		return notRecent[intn(len(notRecent))], true
	default:
		return model.StoredEvent{}, false
	}
}
