// Package registry indexes the live sessions of this router instance by
// connection id and by logical user id.
//
// The connection index is a sync.Map. The user index is split into shards,
// each guarded by its own lock and holding immutable session slices that are
// replaced on every change, so lookups may iterate a result while sessions
// connect and disconnect.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/wsrouter/internal/auth"
	"github.com/amurg-ai/wsrouter/internal/session"
	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

// ErrNoSession is returned for operations on an unregistered connection.
var ErrNoSession = errors.New("session not registered")

const shardCount = 64

type shard struct {
	mu    sync.RWMutex
	users map[string][]*session.Session
}

// entry tracks which user key a session is indexed under. Its mutex
// serializes index moves of one session against its removal.
type entry struct {
	sess    *session.Session
	mu      sync.Mutex
	userKey string
	removed bool
}

// Registry is the session index of one router instance.
type Registry struct {
	conns  sync.Map // connection id -> *entry
	shards [shardCount]shard
	count  atomic.Int64
	users  atomic.Int64

	auth   auth.Provider
	logger *slog.Logger
}

// New creates an empty registry. provider validates tokens for Login.
func New(provider auth.Provider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{auth: provider, logger: logger.With("component", "registry")}
	for i := range r.shards {
		r.shards[i].users = make(map[string][]*session.Session)
	}
	return r
}

func shardIndex(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % shardCount)
}

// Register adds a session under its connection id and current user id.
func (r *Registry) Register(s *session.Session) {
	e := &entry{sess: s}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, loaded := r.conns.LoadOrStore(s.ID(), e); loaded {
		r.logger.Warn("connection id already registered", "session_id", s.ID())
		return
	}
	r.count.Add(1)
	e.userKey = s.UserID()
	sh := &r.shards[shardIndex(e.userKey)]
	sh.mu.Lock()
	r.addLocked(sh, e.userKey, s)
	sh.mu.Unlock()
}

// addLocked appends s to the user's set. sh must be locked.
func (r *Registry) addLocked(sh *shard, userID string, s *session.Session) {
	cur := sh.users[userID]
	for _, x := range cur {
		if x == s {
			return
		}
	}
	next := make([]*session.Session, len(cur), len(cur)+1)
	copy(next, cur)
	sh.users[userID] = append(next, s)
	if len(cur) == 0 {
		r.users.Add(1)
	}
}

// removeLocked drops s from the user's set and deletes an emptied set. sh
// must be locked.
func (r *Registry) removeLocked(sh *shard, userID string, s *session.Session) {
	cur := sh.users[userID]
	next := make([]*session.Session, 0, len(cur))
	for _, x := range cur {
		if x != s {
			next = append(next, x)
		}
	}
	if len(next) == len(cur) {
		return
	}
	if len(next) == 0 {
		delete(sh.users, userID)
		r.users.Add(-1)
		return
	}
	sh.users[userID] = next
}

// LookupByConnection returns the session for a connection id.
func (r *Registry) LookupByConnection(id string) (*session.Session, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry).sess, true
}

// LookupByUser returns every session of userID. The returned slice must not
// be modified.
func (r *Registry) LookupByUser(userID string) []*session.Session {
	sh := &r.shards[shardIndex(userID)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.users[userID]
}

// HasUser reports whether userID has at least one session here.
func (r *Registry) HasUser(userID string) bool {
	return len(r.LookupByUser(userID)) > 0
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []*session.Session {
	out := make([]*session.Session, 0, r.count.Load())
	r.conns.Range(func(_, v any) bool {
		out = append(out, v.(*entry).sess)
		return true
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int { return int(r.count.Load()) }

// Users returns the number of distinct user ids with sessions.
func (r *Registry) Users() int { return int(r.users.Load()) }

// Remove unregisters a connection and returns its session, or nil if it was
// not registered.
func (r *Registry) Remove(id string) *session.Session {
	v, ok := r.conns.LoadAndDelete(id)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	r.count.Add(-1)

	sh := &r.shards[shardIndex(e.userKey)]
	sh.mu.Lock()
	r.removeLocked(sh, e.userKey, e.sess)
	sh.mu.Unlock()
	return e.sess
}

// Relocate moves s from oldUserID's set to newUserID's set in one step:
// concurrent lookups see it under exactly one of the two. Equal ids are a
// no-op.
func (r *Registry) Relocate(oldUserID, newUserID string, s *session.Session) error {
	if oldUserID == newUserID {
		return nil
	}
	v, ok := r.conns.Load(s.ID())
	if !ok {
		return ErrNoSession
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNoSession
	}
	if e.userKey != oldUserID {
		r.logger.Debug("relocate from stale user id", "session_id", s.ID(),
			"expected", oldUserID, "indexed", e.userKey)
	}
	from := e.userKey
	if from == newUserID {
		return nil
	}

	i, j := shardIndex(from), shardIndex(newUserID)
	first, second := &r.shards[min(i, j)], &r.shards[max(i, j)]
	first.mu.Lock()
	if i != j {
		second.mu.Lock()
	}
	r.removeLocked(&r.shards[i], from, s)
	r.addLocked(&r.shards[j], newUserID, s)
	if i != j {
		second.mu.Unlock()
	}
	first.mu.Unlock()

	e.userKey = newUserID
	return nil
}

// Login validates token, moves the session to the principal's identity and
// relocates it in the user index.
func (r *Registry) Login(ctx context.Context, s *session.Session, token string) (*auth.Principal, error) {
	if r.auth == nil {
		return nil, fmt.Errorf("login: no auth provider configured")
	}
	p, err := r.auth.ValidateToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	prev, err := s.Login(p)
	if err != nil {
		return nil, err
	}
	if err := r.Relocate(prev, p.Subject, s); err != nil {
		return nil, err
	}
	r.logger.Info("session logged in", "session_id", s.ID(), "user_id", p.Subject)
	return p, nil
}

// Logout reverts the session to anonymous and relocates it. It returns the
// previous user id.
func (r *Registry) Logout(s *session.Session) (string, error) {
	prev := s.Logout()
	if err := r.Relocate(prev, s.UserID(), s); err != nil {
		return prev, err
	}
	r.logger.Info("session logged out", "session_id", s.ID(), "user_id", prev)
	return prev, nil
}

// Heartbeat pings every session and sends a heartbeat event to those that
// opted in. At most concurrency sends run at once; a failing session does not
// affect the others.
func (r *Registry) Heartbeat(ctx context.Context, concurrency int) {
	sessions := r.All()
	if len(sessions) == 0 {
		return
	}
	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	now := time.Now().UnixMilli()
	for _, s := range sessions {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := s.Ping(); err != nil {
				r.logger.Debug("heartbeat ping failed", "session_id", s.ID(), "error", err)
				return nil
			}
			if !s.Heartbeat() {
				return nil
			}
			// An expired session is told so instead of being kept alive.
			if !s.Valid() {
				if err := s.SendSessionInvalid(""); err != nil {
					r.logger.Debug("session invalid notice failed", "session_id", s.ID(), "error", err)
				}
				return nil
			}
			hb := protocol.Heartbeat{SessionID: s.ID(), Timestamp: now}
			if err := s.SendEvent(protocol.EventHeartbeat, "", hb); err != nil {
				r.logger.Debug("heartbeat event failed", "session_id", s.ID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StartHeartbeat runs Heartbeat every interval until ctx is cancelled.
func (r *Registry) StartHeartbeat(ctx context.Context, interval time.Duration, concurrency int) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Heartbeat(ctx, concurrency)
			}
		}
	}()
}
