// Package registry persists instance records in Redis. The primary record
// lives in a hash under vm:{id}; four secondary indices (active set, per-user
// ordered set, per-OS set, pid reverse index) are kept consistent with it by
// updating everything inside one pipelined transaction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/vmparlor/parlor/lib/logger"
	"github.com/vmparlor/parlor/lib/procs"
)

// DefaultUserScanLimit caps how many of a user's newest entries a liveness
// lookup inspects.
const DefaultUserScanLimit = 6

func recordKey(id string) string { return "vm:" + id }
func userKey(uid string) string  { return fmt.Sprintf("user:%s:vms", uid) }
func osKey(os string) string     { return "vms:by_os:" + os }
func pidKey(pid int) string      { return "vm:by_pid:" + strconv.Itoa(pid) }
func activeKey() string          { return "vms:active" }

// Store is the Redis-backed session registry.
type Store struct {
	rdb           *redis.Client
	userScanLimit int
	alive         func(pid int) bool
}

// NewStore wraps a Redis client. Liveness defaults to a zero-signal probe of
// the recorded pid.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:           rdb,
		userScanLimit: DefaultUserScanLimit,
		alive:         func(pid int) bool { return procs.PidHandle(pid).Alive() },
	}
}

// SetUserScanLimit overrides the per-user scan window.
func (s *Store) SetUserScanLimit(n int) {
	if n > 0 {
		s.userScanLimit = n
	}
}

// SetLivenessProbe overrides the pid liveness check. Used by tests.
func (s *Store) SetLivenessProbe(f func(pid int) bool) { s.alive = f }

// Get returns the record for an instance id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	m, err := s.rdb.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry get %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fromMap(id, m), nil
}

// Put writes the primary record and all four indices in one transaction. The
// record is visible in every index before Put returns.
func (s *Store) Put(ctx context.Context, r *Record) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, recordKey(r.InstanceID), toMap(r))
		pipe.SAdd(ctx, activeKey(), r.InstanceID)
		pipe.ZAdd(ctx, userKey(r.UserID), &redis.Z{
			Score:  float64(r.CreatedAtMS()),
			Member: r.InstanceID,
		})
		pipe.SAdd(ctx, osKey(r.OSProfile), r.InstanceID)
		if r.PID > 0 {
			pipe.Set(ctx, pidKey(r.PID), r.InstanceID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry put %s: %w", r.InstanceID, err)
	}
	return nil
}

// Update patches individual fields. A pid change re-keys the reverse index in
// the same transaction; the record hash is watched so a concurrent writer
// retries rather than clobbers.
func (s *Store) Update(ctx context.Context, id string, fields map[string]string) error {
	key := recordKey(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		oldPid, err := tx.HGet(ctx, key, fieldPID).Result()
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, toAnySlice(fields)...)
			if newPid, ok := fields[fieldPID]; ok && newPid != oldPid {
				if old, err := strconv.Atoi(oldPid); err == nil && old > 0 {
					pipe.Del(ctx, pidKey(old))
				}
				if np, err := strconv.Atoi(newPid); err == nil && np > 0 {
					pipe.Set(ctx, pidKey(np), id, 0)
				}
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("registry update %s: %w", id, err)
	}
	return nil
}

func toAnySlice(fields map[string]string) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// Delete removes the record and every index entry. A missing record is a
// no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(id))
		pipe.SRem(ctx, activeKey(), id)
		pipe.ZRem(ctx, userKey(r.UserID), id)
		pipe.SRem(ctx, osKey(r.OSProfile), id)
		if r.PID > 0 {
			pipe.Del(ctx, pidKey(r.PID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry delete %s: %w", id, err)
	}
	return nil
}

// GetRunningByUser scans the user's newest entries and returns the first one
// whose recorded pid is alive, or ErrNotFound.
func (s *Store) GetRunningByUser(ctx context.Context, userID string) (*Record, error) {
	log := logger.FromContext(ctx)

	ids, err := s.rdb.ZRevRange(ctx, userKey(userID), 0, int64(s.userScanLimit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry scan user %s: %w", userID, err)
	}
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		if s.alive(r.PID) {
			return r, nil
		}
		log.DebugContext(ctx, "skipping dead registry entry",
			"user_id", userID, "instance_id", id, "pid", r.PID)
	}
	return nil, fmt.Errorf("%w: no live instance for user %s", ErrNotFound, userID)
}

// GetByPid resolves a pid through the reverse index.
func (s *Store) GetByPid(ctx context.Context, pid int) (*Record, error) {
	id, err := s.rdb.Get(ctx, pidKey(pid)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	if err != nil {
		return nil, fmt.Errorf("registry get by pid %d: %w", pid, err)
	}
	return s.Get(ctx, id)
}

// Items returns every active record. Ids whose record vanished mid-iteration
// are skipped.
func (s *Store) Items(ctx context.Context) ([]*Record, error) {
	ids, err := s.rdb.SMembers(ctx, activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("registry items: %w", err)
	}
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// Touch stamps last_seen_at on an existing record.
func (s *Store) Touch(ctx context.Context, id, lastSeenAt string) error {
	return s.Update(ctx, id, map[string]string{fieldLastSeenAt: lastSeenAt})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
