package channel

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	t.Run("equal", func(t *testing.T) {
		a := newTestChannel(t)
		b := a.Clone()
		assert.Equal(t, RelationEqual, Compare(a, b))
	})

	t.Run("missing proposal", func(t *testing.T) {
		behind := newTestChannel(t)
		ahead := behind.Clone()
		addTestProposal(t, ahead, `{}`)

		assert.Equal(t, RelationRemoteAhead, Compare(behind, ahead))
		assert.Equal(t, RelationLocalAhead, Compare(ahead, behind))
	})

	t.Run("missed install", func(t *testing.T) {
		behind := newTestChannel(t)
		p := addTestProposal(t, behind, `{}`)
		ahead := behind.Clone()
		_, err := ahead.InstallApp(p.IdentityHash)
		require.NoError(t, err)

		assert.Equal(t, RelationRemoteAhead, Compare(behind, ahead))
	})

	t.Run("missed reject", func(t *testing.T) {
		behind := newTestChannel(t)
		p := addTestProposal(t, behind, `{}`)
		ahead := behind.Clone()
		require.NoError(t, ahead.RemoveProposal(p.IdentityHash))

		assert.Equal(t, RelationRemoteAhead, Compare(behind, ahead))
		assert.Equal(t, RelationLocalAhead, Compare(ahead, behind))
	})

	t.Run("missed uninstall", func(t *testing.T) {
		behind := newTestChannel(t)
		p := addTestProposal(t, behind, `{}`)
		_, err := behind.InstallApp(p.IdentityHash)
		require.NoError(t, err)
		ahead := behind.Clone()
		require.NoError(t, ahead.UninstallApp(p.IdentityHash, nil))

		assert.Equal(t, RelationRemoteAhead, Compare(behind, ahead))
	})

	t.Run("missed state update", func(t *testing.T) {
		behind := newTestChannel(t)
		p := addTestProposal(t, behind, `{"count":0}`)
		_, err := behind.InstallApp(p.IdentityHash)
		require.NoError(t, err)
		ahead := behind.Clone()
		_, err = ahead.SetAppState(p.IdentityHash, json.RawMessage(`{"count":1}`), nil, 2)
		require.NoError(t, err)

		assert.Equal(t, RelationRemoteAhead, Compare(behind, ahead))
	})

	t.Run("both sides progressed", func(t *testing.T) {
		base := newTestChannel(t)
		p := addTestProposal(t, base, `{"count":0}`)
		_, err := base.InstallApp(p.IdentityHash)
		require.NoError(t, err)

		left := base.Clone()
		right := base.Clone()
		addTestProposal(t, left, `{"left":true}`)
		_, err = right.SetAppState(p.IdentityHash, json.RawMessage(`{"count":9}`), nil, 2)
		require.NoError(t, err)

		assert.Equal(t, RelationConflict, Compare(left, right))
	})

	t.Run("same counters different content", func(t *testing.T) {
		base := newTestChannel(t)
		p := addTestProposal(t, base, `{"count":0}`)
		_, err := base.InstallApp(p.IdentityHash)
		require.NoError(t, err)

		left := base.Clone()
		right := base.Clone()
		_, err = left.SetAppState(p.IdentityHash, json.RawMessage(`{"count":1}`), nil, 2)
		require.NoError(t, err)
		_, err = right.SetAppState(p.IdentityHash, json.RawMessage(`{"count":2}`), nil, 2)
		require.NoError(t, err)

		assert.Equal(t, RelationConflict, Compare(left, right))
	})
}

func TestMerge(t *testing.T) {
	t.Run("takes remote progress", func(t *testing.T) {
		local := newTestChannel(t)
		remote := local.Clone()
		p := addTestProposal(t, remote, `{}`)
		_, err := remote.InstallApp(p.IdentityHash)
		require.NoError(t, err)

		merged := Merge(local, remote)
		assert.True(t, merged.Equal(remote))
		assert.Equal(t, RelationEqual, Compare(merged, remote))
	})

	t.Run("keeps newer local app version", func(t *testing.T) {
		base := newTestChannel(t)
		p := addTestProposal(t, base, `{"count":0}`)
		_, err := base.InstallApp(p.IdentityHash)
		require.NoError(t, err)

		local := base.Clone()
		_, err = local.SetAppState(p.IdentityHash, json.RawMessage(`{"count":1}`), nil, 2)
		require.NoError(t, err)
		remote := base.Clone()
		addTestProposal(t, remote, `{"other":true}`)

		merged := Merge(local, remote)
		assert.Equal(t, int64(2), merged.AppInstances[p.IdentityHash].LatestVersionNumber)
		assert.Equal(t, int64(2), merged.NumProposedApps)
		assert.Len(t, merged.ProposedAppInstances, 1)
	})

	t.Run("keeps local proposal remote never saw", func(t *testing.T) {
		base := newTestChannel(t)
		local := base.Clone()
		lp := addTestProposal(t, local, `{"local":true}`)
		remote := base.Clone()
		remote.FreeBalance.Balances.Add("ETH", alice, big.NewInt(1))

		merged := Merge(local, remote)
		assert.Contains(t, merged.ProposedAppInstances, lp.IdentityHash)
		assert.Equal(t, int64(1), merged.NumProposedApps)
	})

	t.Run("nil local", func(t *testing.T) {
		remote := newTestChannel(t)
		merged := Merge(nil, remote)
		assert.True(t, merged.Equal(remote))
	})
}

func TestSummarize(t *testing.T) {
	ch := newTestChannel(t)
	p := addTestProposal(t, ch, `{}`)

	s := ch.Summarize()
	assert.Equal(t, ch.MultisigAddress, s.MultisigAddress)
	assert.Equal(t, int64(1), s.NumProposedApps)
	assert.Equal(t, int64(1), s.FreeBalanceVersion)
	assert.Equal(t, int64(1), s.Proposals[p.IdentityHash])
	assert.Empty(t, s.AppVersions)
}
