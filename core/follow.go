package core

// Follow relations for one session: at most one target per follower.
// Whenever a followed user's presence changes the coordinator
// recomputes where each follower should be looking and hands that to
// the followers' connections as advisory state.

type followCoordinator struct {
	// follower -> target. An empty target means the relation was
	// cleared but the follower has not been told yet.
	relations map[string]string
}

func newFollowCoordinator() *followCoordinator {
	return &followCoordinator{
		relations: map[string]string{},
	}
}

func (self *followCoordinator) follow(follower string, target string) {
	self.relations[follower] = target
}

func (self *followCoordinator) unfollow(follower string) {
	delete(self.relations, follower)
}

// followersOf returns every follower currently pointed at target.
func (self *followCoordinator) followersOf(target string) []string {
	followers := []string{}
	for follower, followed := range self.relations {
		if followed == target {
			followers = append(followers, follower)
		}
	}
	return followers
}

// clearUser removes the user's own relation and clears relations that
// name the user as target. Returns the followers whose relation was
// cleared so the change can be broadcast.
func (self *followCoordinator) clearUser(user string) []string {
	delete(self.relations, user)
	orphaned := []string{}
	for follower, target := range self.relations {
		if target == user {
			delete(self.relations, follower)
			orphaned = append(orphaned, follower)
		}
	}
	return orphaned
}

func (self *followCoordinator) snapshot() map[string]string {
	out := map[string]string{}
	for follower, target := range self.relations {
		out[follower] = target
	}
	return out
}

// viewFor computes the advisory viewport instruction for a follower
// given the target's current presence.
func viewFor(sessionId string, follower string, target *PresenceEntry) *Message {
	message := &Message{
		Type:      MessageFollowView,
		SessionId: sessionId,
		Follower:  follower,
	}
	if target.Cursor != nil {
		message.Path = target.Cursor.File
		message.Cursor = &Cursor{
			File:   target.Cursor.File,
			Anchor: target.Cursor.Anchor,
			Head:   target.Cursor.Head,
		}
	}
	return message
}
