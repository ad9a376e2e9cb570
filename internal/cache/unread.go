package cache

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"campuschat/internal/delivery"
)

var _ delivery.CounterMirror = (*UnreadMirror)(nil)

// UnreadMirror keeps one Redis hash per user: conversation ID -> unread count.
type UnreadMirror struct {
	client *redis.Client
}

// NewUnreadMirror creates a mirror on client.
func NewUnreadMirror(client *redis.Client) *UnreadMirror {
	return &UnreadMirror{client: client}
}

func unreadKey(userID string) string {
	return keyPrefix + "unread:" + userID
}

func (m *UnreadMirror) IncrUnread(ctx context.Context, userID, conversationID string) error {
	return errors.Wrap(m.client.HIncrBy(ctx, unreadKey(userID), conversationID, 1).Err(), "incr unread")
}

func (m *UnreadMirror) ResetUnread(ctx context.Context, userID, conversationID string) error {
	return errors.Wrap(m.client.HDel(ctx, unreadKey(userID), conversationID).Err(), "reset unread")
}

// LoadUnread returns the mirrored counters; malformed fields are skipped.
func (m *UnreadMirror) LoadUnread(ctx context.Context, userID string) (map[string]int, error) {
	fields, err := m.client.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load unread")
	}
	counts := make(map[string]int, len(fields))
	for conv, raw := range fields {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			continue
		}
		counts[conv] = n
	}
	return counts, nil
}
