package session

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type appShard struct {
	mu    sync.RWMutex
	users map[string]map[*Session]struct{}
}

type deviceShard struct {
	mu      sync.RWMutex
	devices map[string]*Session
}

// Registry tracks live sessions by role and identity. Apps may hold many
// sessions per user id; a device id maps to at most one session.
//
// Identities are striped across shards so registrations for different
// identities rarely share a lock. Locks guard map mutation only.
type Registry struct {
	apps    [shardCount]appShard
	devices [shardCount]deviceShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.apps {
		r.apps[i].users = make(map[string]map[*Session]struct{})
		r.devices[i].devices = make(map[string]*Session)
	}
	return r
}

func shardOf(identity string) int {
	return int(xxhash.Sum64String(identity) % shardCount)
}

func (r *Registry) RegisterApp(userID string, s *Session) {
	sh := &r.apps[shardOf(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.users[userID]
	if !ok {
		set = make(map[*Session]struct{})
		sh.users[userID] = set
	}
	set[s] = struct{}{}
}

func (r *Registry) UnregisterApp(userID string, s *Session) {
	sh := &r.apps[shardOf(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.users[userID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(sh.users, userID)
	}
}

// RegisterDevice maps deviceID to s and returns the session it replaced, if
// any. The replaced session is not closed here.
func (r *Registry) RegisterDevice(deviceID string, s *Session) *Session {
	sh := &r.devices[shardOf(deviceID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev := sh.devices[deviceID]
	sh.devices[deviceID] = s
	if prev == s {
		return nil
	}
	return prev
}

// UnregisterDevice removes the mapping for deviceID whatever it points to.
func (r *Registry) UnregisterDevice(deviceID string) {
	sh := &r.devices[shardOf(deviceID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.devices, deviceID)
}

// UnregisterDeviceSession removes the mapping only while it still points at
// s, so a superseded session closing late cannot evict its replacement.
func (r *Registry) UnregisterDeviceSession(deviceID string, s *Session) bool {
	sh := &r.devices[shardOf(deviceID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.devices[deviceID] != s {
		return false
	}
	delete(sh.devices, deviceID)
	return true
}

// SessionsFor returns a snapshot of the sessions registered for userID.
func (r *Registry) SessionsFor(userID string) []*Session {
	sh := &r.apps[shardOf(userID)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.users[userID]
	result := make([]*Session, 0, len(set))
	for s := range set {
		result = append(result, s)
	}
	return result
}

func (r *Registry) SessionFor(deviceID string) (*Session, bool) {
	sh := &r.devices[shardOf(deviceID)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.devices[deviceID]
	return s, ok
}

// Apps returns a snapshot of every registered app session.
func (r *Registry) Apps() []*Session {
	var result []*Session
	for i := range r.apps {
		sh := &r.apps[i]
		sh.mu.RLock()
		for _, set := range sh.users {
			for s := range set {
				result = append(result, s)
			}
		}
		sh.mu.RUnlock()
	}
	return result
}

// AppCount returns the number of distinct connected user ids.
func (r *Registry) AppCount() int {
	n := 0
	for i := range r.apps {
		sh := &r.apps[i]
		sh.mu.RLock()
		n += len(sh.users)
		sh.mu.RUnlock()
	}
	return n
}

func (r *Registry) DeviceCount() int {
	n := 0
	for i := range r.devices {
		sh := &r.devices[i]
		sh.mu.RLock()
		n += len(sh.devices)
		sh.mu.RUnlock()
	}
	return n
}
