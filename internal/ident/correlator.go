// Package ident generates client-local identifiers and correlates them with
// remote echoes. A local id is allocated the moment the user acts, before any
// network call, and travels to the remote store as an inert correlation tag so
// the eventual echo can be matched back to the optimistic local row.
package ident

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Allocator hands out local ids. ULIDs are time-ordered and collision-safe
// without coordination, so allocation works offline.
type Allocator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewAllocator creates an allocator with monotonic entropy, so ids allocated
// within the same millisecond still sort in allocation order.
func NewAllocator() *Allocator {
	return &Allocator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewLocalID returns a fresh universally-unique local id.
func (a *Allocator) NewLocalID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), a.entropy).String()
}

// Decision is the outcome of correlating a remote record against local rows.
type Decision int

const (
	// MatchByRemoteID: a local row already carries the remote id. Steady state.
	MatchByRemoteID Decision = iota
	// MatchByLocalTag: the record is our own echo; stamp the remote id onto
	// the pending row instead of inserting a duplicate.
	MatchByLocalTag
	// NoMatch: first sighting of a record authored elsewhere; insert as new.
	NoMatch
)

// Correlate decides how a remote record relates to local state. hasRemote and
// hasLocal report whether a local row exists keyed by the record's remote id
// or by its correlation tag respectively. Remote-id match wins: once a row is
// confirmed, the tag is inert.
func Correlate(remoteID, localTag string, hasRemote, hasLocal func(string) bool) Decision {
	if remoteID != "" && hasRemote(remoteID) {
		return MatchByRemoteID
	}
	if localTag != "" && hasLocal(localTag) {
		return MatchByLocalTag
	}
	return NoMatch
}
