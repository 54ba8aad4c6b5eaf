// Package conflict resolves local/remote divergence during synchronization
// with a deterministic, version-based rule: strictly newer remote wins,
// everything else (including a tie) keeps local. Pure functions, no side
// effects; the caller decides what to do with the result.
package conflict

import (
	"fmt"
	"time"
)

// Resolution is the outcome class of a comparison.
type Resolution string

const (
	LocalWins  Resolution = "localWins"
	RemoteWins Resolution = "remoteWins"
	// MergeRequired is declared for completeness of the taxonomy consumed by
	// sync callers, but the version comparison below never produces it; no
	// merge semantics exist in this system.
	MergeRequired Resolution = "mergeRequired"
)

// Result describes one resolution. It is never persisted by this package.
type Result struct {
	Resolution    Resolution `json:"resolution"`
	LocalVersion  int64      `json:"local_version"`
	RemoteVersion int64      `json:"remote_version"`
	Reason        string     `json:"reason"`
	ResolvedAt    time.Time  `json:"resolved_at"`
}

// Resolve compares two monotonically increasing record versions.
// remote > local adopts the remote copy; anything else, equality included,
// keeps the local copy (which still needs pushing to remote).
func Resolve(localVersion, remoteVersion int64) Result {
	r := Result{
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
		ResolvedAt:    time.Now(),
	}
	if remoteVersion > localVersion {
		r.Resolution = RemoteWins
		r.Reason = fmt.Sprintf("remote version %d is newer than local version %d", remoteVersion, localVersion)
		return r
	}
	r.Resolution = LocalWins
	r.Reason = fmt.Sprintf("local version %d is not older than remote version %d", localVersion, remoteVersion)
	return r
}

// ApplyResolution selects the winning payload. shouldPushToRemote is true
// exactly when local won: the remote copy is stale and must be overwritten.
// A remote win is adopted locally and never pushed back.
func ApplyResolution(result Result, localData, remoteData []byte) (chosen []byte, shouldPushToRemote bool) {
	if result.Resolution == RemoteWins {
		return remoteData, false
	}
	return localData, true
}
