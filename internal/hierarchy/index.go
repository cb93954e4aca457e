// Package hierarchy caches each server's role ordering and answers
// threshold authorization checks against it.
package hierarchy

import (
	"errors"
	"sync"

	"gatehouse/bot/internal/platform"
)

var (
	// ErrNotBuilt means no rebuild has completed for the server yet.
	// Callers must treat this as deny, not as a crash.
	ErrNotBuilt = errors.New("hierarchy: index not built for server")
	// ErrThresholdUnknown means the configured threshold role no longer
	// exists. A configuration error, surfaced as such.
	ErrThresholdUnknown = errors.New("hierarchy: threshold role not in index")
)

// snapshot is an immutable role→rank map. Rebuild swaps whole snapshots so a
// concurrent read sees either the old or the new map, never a partial one.
type snapshot struct {
	ranks map[string]int
	names map[string]string
}

type Index struct {
	mu      sync.RWMutex
	servers map[string]*snapshot
}

func NewIndex() *Index {
	return &Index{servers: make(map[string]*snapshot)}
}

// Rebuild recomputes the full role→rank map for a server. It must be called
// after every role create/update/delete and server update before further
// Authorized calls for that server.
func (i *Index) Rebuild(serverID string, roles []platform.Role) {
	next := &snapshot{
		ranks: make(map[string]int, len(roles)),
		names: make(map[string]string, len(roles)),
	}
	for _, role := range roles {
		next.ranks[role.ID] = role.Rank
		next.names[role.ID] = role.Name
	}
	i.mu.Lock()
	i.servers[serverID] = next
	i.mu.Unlock()
}

// Forget drops a server's snapshot, reverting it to deny-by-default.
func (i *Index) Forget(serverID string) {
	i.mu.Lock()
	delete(i.servers, serverID)
	i.mu.Unlock()
}

func (i *Index) get(serverID string) *snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.servers[serverID]
}

// Rank returns the cached rank of a role.
func (i *Index) Rank(serverID, roleID string) (int, bool) {
	snap := i.get(serverID)
	if snap == nil {
		return 0, false
	}
	rank, ok := snap.ranks[roleID]
	return rank, ok
}

// Authorized reports whether the member holds platform-administrator
// capability or any role ranked at or above the threshold role. A missing
// snapshot denies with ErrNotBuilt; a deleted threshold role denies with
// ErrThresholdUnknown. Administrators pass in both cases.
func (i *Index) Authorized(serverID string, member platform.Member, thresholdRoleID string) (bool, error) {
	if member.Admin {
		return true, nil
	}
	snap := i.get(serverID)
	if snap == nil {
		return false, ErrNotBuilt
	}
	threshold, ok := snap.ranks[thresholdRoleID]
	if !ok {
		return false, ErrThresholdUnknown
	}
	for _, roleID := range member.RoleIDs {
		if rank, ok := snap.ranks[roleID]; ok && rank >= threshold {
			return true, nil
		}
	}
	return false, nil
}
