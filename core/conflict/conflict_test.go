package conflict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestResolve_RemoteNewerWins covers the one case that adopts the remote
// copy.
func TestResolve_RemoteNewerWins(t *testing.T) {
	res := Resolve(1, 3)
	require.Equal(t, RemoteWins, res.Resolution)
	require.EqualValues(t, 1, res.LocalVersion)
	require.EqualValues(t, 3, res.RemoteVersion)
	require.NotEmpty(t, res.Reason)
}

// TestResolve_TieKeepsLocal pins the tie-breaking rule: equal versions keep
// the local copy, deterministically.
func TestResolve_TieKeepsLocal(t *testing.T) {
	res := Resolve(2, 2)
	require.Equal(t, LocalWins, res.Resolution)
}

// TestResolve_LocalNewerWins covers the stale-remote case.
func TestResolve_LocalNewerWins(t *testing.T) {
	res := Resolve(5, 3)
	require.Equal(t, LocalWins, res.Resolution)
}

// TestResolve_IsTotal sweeps a version grid and asserts every pair resolves
// to localWins or remoteWins; mergeRequired exists in the taxonomy but must
// never be produced.
func TestResolve_IsTotal(t *testing.T) {
	for local := int64(0); local <= 4; local++ {
		for remote := int64(0); remote <= 4; remote++ {
			res := Resolve(local, remote)
			require.Contains(t, []Resolution{LocalWins, RemoteWins}, res.Resolution,
				"resolve(%d, %d) must have a definite winner", local, remote)
			if remote > local {
				require.Equal(t, RemoteWins, res.Resolution)
			} else {
				require.Equal(t, LocalWins, res.Resolution)
			}
		}
	}
}

// TestApplyResolution_PushSemantics verifies the side-effect contract: a local
// win keeps local data and schedules a push; a remote win adopts remote data
// and never pushes back.
func TestApplyResolution_PushSemantics(t *testing.T) {
	local := []byte("local copy")
	remote := []byte("remote copy")

	chosen, push := ApplyResolution(Resolve(4, 2), local, remote)
	require.Equal(t, local, chosen)
	require.True(t, push, "a stale remote must be overwritten")

	chosen, push = ApplyResolution(Resolve(2, 4), local, remote)
	require.Equal(t, remote, chosen)
	require.False(t, push, "an adopted remote copy must not be pushed back")
}
