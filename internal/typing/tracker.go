// Package typing tracks ephemeral "is typing" flags per (conversation, user).
// Each flag is idle or typing; only transitions are reported.
package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"campuschat/internal/keyed"
)

// DefaultTimeout matches the client's keystroke debounce window.
const DefaultTimeout = 3 * time.Second

// Notifier receives typing transitions. It is called with the key's shard
// locked and must not block or call back into the tracker.
type Notifier interface {
	TypingChanged(conversationID, userID string, typing bool)
}

type flagKey struct {
	conversationID string
	userID         string
}

type flag struct {
	timer     *time.Timer
	gen       uint64
	expiresAt time.Time
}

type shard struct {
	mu    sync.Mutex
	flags map[flagKey]*flag
}

// Tracker holds typing flags in memory only; a restart loses them all.
type Tracker struct {
	timeout  time.Duration
	notifier Notifier
	logger   *zap.Logger
	shards   [keyed.ShardCount]*shard
}

// NewTracker creates a tracker whose flags expire after timeout.
func NewTracker(timeout time.Duration, notifier Notifier, logger *zap.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &Tracker{timeout: timeout, notifier: notifier, logger: logger}
	for i := range t.shards {
		t.shards[i] = &shard{flags: make(map[flagKey]*flag)}
	}
	return t
}

func (t *Tracker) shardFor(k flagKey) *shard {
	return t.shards[keyed.Index(k.conversationID+"\x00"+k.userID, keyed.ShardCount)]
}

// Start moves the key to typing and (re)arms its expiry timer. It returns
// true only on the idle -> typing transition; repeated starts just re-arm.
func (t *Tracker) Start(conversationID, userID string) bool {
	k := flagKey{conversationID, userID}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, typing := s.flags[k]
	if typing {
		f.timer.Stop()
		f.gen++
	} else {
		f = &flag{}
		s.flags[k] = f
	}
	t.arm(k, f)

	if !typing {
		t.notify(conversationID, userID, true)
	}
	return !typing
}

// Stop moves the key back to idle. It returns false if it was already idle.
func (t *Tracker) Stop(conversationID, userID string) bool {
	k := flagKey{conversationID, userID}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flags[k]
	if !ok {
		return false
	}
	f.timer.Stop()
	delete(s.flags, k)
	t.notify(conversationID, userID, false)
	return true
}

// arm schedules the flag's expiry. Called with the key's shard locked.
func (t *Tracker) arm(k flagKey, f *flag) {
	gen := f.gen
	f.expiresAt = time.Now().Add(t.timeout)
	f.timer = time.AfterFunc(t.timeout, func() { t.expire(k, f, gen) })
}

// expire fires from the timer goroutine. The timer is stale when its flag
// was replaced by a later Start or re-armed after it was scheduled.
func (t *Tracker) expire(k flagKey, f *flag, gen uint64) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.flags[k]; !ok || current != f || f.gen != gen {
		return
	}
	delete(s.flags, k)
	t.notify(k.conversationID, k.userID, false)
}

// ClearUser stops every flag held by userID, used when the user goes offline.
func (t *Tracker) ClearUser(userID string) int {
	cleared := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for k, f := range s.flags {
			if k.userID != userID {
				continue
			}
			f.timer.Stop()
			delete(s.flags, k)
			t.notify(k.conversationID, k.userID, false)
			cleared++
		}
		s.mu.Unlock()
	}
	return cleared
}

// IsTyping reports whether the key is currently typing.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	k := flagKey{conversationID, userID}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flags[k]
	return ok
}

// Timeout returns the expiry duration of a flag.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

func (t *Tracker) notify(conversationID, userID string, typing bool) {
	if t.notifier == nil {
		return
	}
	t.notifier.TypingChanged(conversationID, userID, typing)
}
