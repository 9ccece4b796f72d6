// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/element-hq/axon/syncapi/types"
)

// Notifier pushes wake-ups to waiting long polls. Every consumer write
// lands here after the database write, so a waiting request is woken
// the moment something it can see changes. Waking spuriously is fine;
// the woken request re-queries and may go back to sleep.
type Notifier struct {
	lock        sync.RWMutex
	userStreams map[string]*UserStream
	currentPos  atomic.String

	// joinedUsers resolves a room wake-up to the users who should see
	// it. Refreshed by the room event consumer on membership changes.
	joinedUsers map[string][]string
}

func NewNotifier() *Notifier {
	return &Notifier{
		userStreams: make(map[string]*UserStream),
		joinedUsers: make(map[string][]string),
	}
}

// SetCurrentPosition records the newest stream position so handlers can
// stamp responses without a database read.
func (n *Notifier) SetCurrentPosition(pos types.StreamPosition) {
	if pos.IsAfter(types.StreamPosition(n.currentPos.Load())) {
		n.currentPos.Store(string(pos))
	}
}

// CurrentPosition returns the newest position seen by any consumer.
func (n *Notifier) CurrentPosition() types.StreamPosition {
	return types.StreamPosition(n.currentPos.Load())
}

// SetJoinedUsers replaces the membership fan-out set for a room.
func (n *Notifier) SetJoinedUsers(roomID string, userIDs []string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.joinedUsers[roomID] = userIDs
}

// OnNewEvent wakes every user joined to the room.
func (n *Notifier) OnNewEvent(roomID string, pos types.StreamPosition) {
	n.SetCurrentPosition(pos)
	n.lock.RLock()
	users := n.joinedUsers[roomID]
	n.lock.RUnlock()
	n.wakeUsers(users, pos)
}

// OnNewUserEvent wakes specific users, for streams addressed to a user
// rather than a room (invites, account data, device lists, presence).
func (n *Notifier) OnNewUserEvent(pos types.StreamPosition, userIDs ...string) {
	n.SetCurrentPosition(pos)
	n.wakeUsers(userIDs, pos)
}

// OnNewSendToDevice wakes one user for new to-device messages. The
// to-device stream has its own ids, so the wake-up borrows the current
// room position purely to unblock the poll.
func (n *Notifier) OnNewSendToDevice(userID string) {
	pos := n.CurrentPosition()
	if pos.IsEmpty() {
		pos = types.NewStreamPosition()
		n.SetCurrentPosition(pos)
	}
	n.wakeUsers([]string{userID}, pos)
}

func (n *Notifier) wakeUsers(userIDs []string, pos types.StreamPosition) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	for _, userID := range userIDs {
		if stream := n.userStreams[userID]; stream != nil {
			stream.Broadcast(pos)
		}
	}
}

// GetListener returns the wake-up stream for a user, creating it on
// first use.
func (n *Notifier) GetListener(userID string) *UserStream {
	n.lock.Lock()
	defer n.lock.Unlock()
	stream := n.userStreams[userID]
	if stream == nil {
		stream = newUserStream(userID)
		n.userStreams[userID] = stream
	}
	stream.touch()
	return stream
}

// CleanIdleStreams drops per-user streams with no waiters that have
// been idle for longer than idleFor. Called periodically.
func (n *Notifier) CleanIdleStreams(idleFor time.Duration) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for userID, stream := range n.userStreams {
		if stream.idle(idleFor) {
			delete(n.userStreams, userID)
		}
	}
}

// UserStream broadcasts position advances to every waiting poll of one
// user by swapping a closed channel.
type UserStream struct {
	userID string

	lock     sync.Mutex
	signal   chan struct{}
	pos      types.StreamPosition
	lastUsed time.Time
	waiters  int
}

func newUserStream(userID string) *UserStream {
	return &UserStream{
		userID: userID,
		signal: make(chan struct{}),
	}
}

// GetNotifyChannel returns a channel that is closed once the stream
// position advances past since. If it already has, the returned channel
// is closed immediately.
func (s *UserStream) GetNotifyChannel(since types.StreamPosition) <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.waiters++
	if s.pos.IsAfter(since) {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.signal
}

// Done releases a waiter previously registered via GetNotifyChannel.
func (s *UserStream) Done() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.waiters--
	s.lastUsed = time.Now()
}

// Broadcast wakes all current waiters if pos advances the stream.
func (s *UserStream) Broadcast(pos types.StreamPosition) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !pos.IsAfter(s.pos) {
		return
	}
	s.pos = pos
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *UserStream) touch() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastUsed = time.Now()
}

func (s *UserStream) idle(idleFor time.Duration) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.waiters == 0 && time.Since(s.lastUsed) > idleFor
}
