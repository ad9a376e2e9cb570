package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

var (
	_ interfaces.Store         = (*RosterCache)(nil)
	_ interfaces.UserDirectory = (*RosterCache)(nil)
	_ interfaces.CourseRoster  = (*RosterCache)(nil)
)

// ErrNoCourseRoster is returned when the wrapped store keeps no enrollments.
var ErrNoCourseRoster = errors.New("store does not manage course enrollments")

// RosterCache decorates a store so broadcast rosters are read from Redis
// for up to ttl. Redis failures fall back to the store.
type RosterCache struct {
	interfaces.Store
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRosterCache wraps store. A non-positive ttl uses DefaultRosterTTL.
func NewRosterCache(store interfaces.Store, client *redis.Client, ttl time.Duration, logger *zap.Logger) *RosterCache {
	if ttl <= 0 {
		ttl = DefaultRosterTTL
	}
	return &RosterCache{Store: store, client: client, ttl: ttl, logger: logger}
}

func rosterKey(spec types.ConversationSpec) string {
	switch spec.Kind {
	case types.KindCourseBroadcast:
		return keyPrefix + "roster:course:" + spec.CourseID
	default:
		return keyPrefix + "roster:global:" + string(spec.Audience)
	}
}

// ResolveBroadcastRoster serves the roster from Redis when cached.
func (c *RosterCache) ResolveBroadcastRoster(ctx context.Context, spec types.ConversationSpec) ([]string, error) {
	if !spec.Kind.IsBroadcast() {
		return c.Store.ResolveBroadcastRoster(ctx, spec)
	}
	key := rosterKey(spec)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var roster []string
		if err := json.Unmarshal(raw, &roster); err == nil {
			return roster, nil
		}
		c.logger.Warn("discarding corrupt cached roster", zap.String("key", key))
	case err != redis.Nil:
		c.logger.Warn("roster cache read failed", zap.String("key", key), zap.Error(err))
	}

	roster, err := c.Store.ResolveBroadcastRoster(ctx, spec)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(roster); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("roster cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return roster, nil
}

// Invalidate drops the cached roster of spec.
func (c *RosterCache) Invalidate(ctx context.Context, spec types.ConversationSpec) error {
	return errors.Wrap(c.client.Del(ctx, rosterKey(spec)).Err(), "invalidate roster")
}

// UpsertUser forwards to the store when it keeps users. A new user may
// change global rosters, so those are dropped.
func (c *RosterCache) UpsertUser(ctx context.Context, identity types.Identity) error {
	users, ok := c.Store.(interfaces.UserDirectory)
	if !ok {
		return nil
	}
	if err := users.UpsertUser(ctx, identity); err != nil {
		return err
	}
	err := c.client.Del(ctx,
		rosterKey(types.ConversationSpec{Kind: types.KindGlobalBroadcast, Audience: types.AudienceStudents}),
		rosterKey(types.ConversationSpec{Kind: types.KindGlobalBroadcast, Audience: types.AudienceAll}),
	).Err()
	if err != nil {
		c.logger.Warn("failed to invalidate global rosters", zap.Error(err))
	}
	return nil
}

// Enroll forwards to the store and drops the course's cached roster.
func (c *RosterCache) Enroll(ctx context.Context, courseID string, studentIDs ...string) error {
	rosters, ok := c.Store.(interfaces.CourseRoster)
	if !ok {
		return ErrNoCourseRoster
	}
	if err := rosters.Enroll(ctx, courseID, studentIDs...); err != nil {
		return err
	}
	c.dropCourse(ctx, courseID)
	return nil
}

// Unenroll forwards to the store and drops the course's cached roster, so a
// removed student stops receiving the course broadcast on the next send.
func (c *RosterCache) Unenroll(ctx context.Context, courseID string, studentIDs ...string) error {
	rosters, ok := c.Store.(interfaces.CourseRoster)
	if !ok {
		return ErrNoCourseRoster
	}
	if err := rosters.Unenroll(ctx, courseID, studentIDs...); err != nil {
		return err
	}
	c.dropCourse(ctx, courseID)
	return nil
}

func (c *RosterCache) dropCourse(ctx context.Context, courseID string) {
	spec := types.ConversationSpec{Kind: types.KindCourseBroadcast, CourseID: courseID}
	if err := c.Invalidate(ctx, spec); err != nil {
		c.logger.Warn("failed to invalidate course roster", zap.String("course_id", courseID), zap.Error(err))
	}
}
