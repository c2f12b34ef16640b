package notifier

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// recentSet remembers notification keys for a window so the same text is
// not posted twice, e.g. when a reload re-emits a summary.
type recentSet struct {
	mu      sync.Mutex
	expires map[uint64]time.Time
}

func newRecentSet() *recentSet { return &recentSet{expires: map[uint64]time.Time{}} }

// firstSeen records n and reports whether it was not seen within window.
// At most limit keys are kept; the ones expiring soonest go first.
func (r *recentSet) firstSeen(n Notification, now time.Time, window time.Duration, limit int) bool {
	key := notificationKey(n)

	r.mu.Lock()
	defer r.mu.Unlock()
	if until, ok := r.expires[key]; ok && now.Before(until) {
		return false
	}
	r.expires[key] = now.Add(window)

	for k, until := range r.expires {
		if !now.Before(until) {
			delete(r.expires, k)
		}
	}
	for len(r.expires) > limit {
		var (
			oldest uint64
			at     time.Time
			found  bool
		)
		for k, until := range r.expires {
			if !found || until.Before(at) {
				oldest, at, found = k, until, true
			}
		}
		delete(r.expires, oldest)
	}
	return true
}

func (r *recentSet) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expires)
}

func notificationKey(n Notification) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%d/%d\x00%s", n.Target.ChatID, n.Target.ThreadID, n.Severity, n.Text)
	return h.Sum64()
}
