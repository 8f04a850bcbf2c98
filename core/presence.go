package core

import (
	"time"
)

// Ephemeral per-session presence. Last write wins, no history. Entries
// are owned by the session actor; a TTL prune sweeps entries whose
// owner stopped reporting without a clean disconnect.

type PresenceEntry struct {
	User   string
	Cursor *Cursor
	seenAt time.Time
}

type presenceTracker struct {
	ttl     time.Duration
	entries map[string]*PresenceEntry
}

func newPresenceTracker(ttl time.Duration) *presenceTracker {
	return &presenceTracker{
		ttl:     ttl,
		entries: map[string]*PresenceEntry{},
	}
}

func (self *presenceTracker) update(user string, cursor *Cursor, now time.Time) {
	self.entries[user] = &PresenceEntry{
		User:   user,
		Cursor: cursor,
		seenAt: now,
	}
}

// touch refreshes liveness without changing the cursor.
func (self *presenceTracker) touch(user string, now time.Time) {
	if entry, ok := self.entries[user]; ok {
		entry.seenAt = now
	}
}

func (self *presenceTracker) remove(user string) bool {
	if _, ok := self.entries[user]; !ok {
		return false
	}
	delete(self.entries, user)
	return true
}

func (self *presenceTracker) get(user string) *PresenceEntry {
	return self.entries[user]
}

func (self *presenceTracker) has(user string) bool {
	_, ok := self.entries[user]
	return ok
}

// snapshot is the wire shape of the presence map.
func (self *presenceTracker) snapshot() map[string]*Cursor {
	out := map[string]*Cursor{}
	for user, entry := range self.entries {
		out[user] = entry.Cursor
	}
	return out
}

// pruneStale removes and returns users not seen within the ttl.
func (self *presenceTracker) pruneStale(now time.Time) []string {
	stale := []string{}
	for user, entry := range self.entries {
		if self.ttl < now.Sub(entry.seenAt) {
			stale = append(stale, user)
		}
	}
	for _, user := range stale {
		delete(self.entries, user)
	}
	return stale
}
