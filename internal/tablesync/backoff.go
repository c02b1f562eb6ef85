package tablesync

import "time"

// minBackoff/maxBackoff bound scheduleLsRestart's exponential backoff, per
// spec §4.6 ("exponential backoff in the range [5s, 10min]"). Grounded on
// QtDataSync's WsRemoteConnector reconnect logic (see DESIGN.md).
const (
	minBackoff = 5 * time.Second
	maxBackoff = 10 * time.Minute
)

// nextBackoff doubles cur, clamped to [minBackoff, maxBackoff]. Callers
// seed cur with 0 to get minBackoff on the first call.
func nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return minBackoff
	}
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
