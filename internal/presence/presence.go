// Package presence tracks per-identity activity signals: a last-activity
// timestamp, a sticky online flag, and a sticky typing flag. Liveness is
// never stored; it is derived lazily at read time from the stored timestamps
// and the current clock. There is no background sweeper.
package presence

import "time"

const (
	// OnlineWindow is the maximum time since last activity for a peer with
	// the sticky online flag to still count as online.
	OnlineWindow = 5 * time.Minute

	// TypingWindow is the maximum age of a typing signal before it goes
	// stale, regardless of the sticky flag.
	TypingWindow = 5 * time.Second
)

// Record is the stored presence state for one identity. LastActive is unix
// seconds; TypingAt is unix milliseconds because typing staleness is judged
// on a much finer window.
type Record struct {
	ID         string `redis:"id"`
	LastActive int64  `redis:"last_active"`
	Online     bool   `redis:"is_online"`
	Typing     bool   `redis:"is_typing"`
	TypingAt   int64  `redis:"typing_at"`
}

// OnlineNow derives the live online verdict for a record at the given time.
// The sticky flag alone is not enough: activity must be recent.
func OnlineNow(rec *Record, now time.Time) bool {
	if rec == nil || !rec.Online {
		return false
	}
	return now.Unix()-rec.LastActive < int64(OnlineWindow/time.Second)
}

// TypingNow derives the live typing verdict for a record at the given time.
func TypingNow(rec *Record, now time.Time) bool {
	if rec == nil || !rec.Typing {
		return false
	}
	return now.UnixMilli()-rec.TypingAt < TypingWindow.Milliseconds()
}
