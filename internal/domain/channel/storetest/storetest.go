// Package storetest holds behaviour every channel.Store implementation must
// share. Backends run it from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

const (
	alice = "ed25519:YWxpY2UtcHVibGljLWtleS1ieXRlcy0wMDAwMDAwMDA="
	bob   = "ed25519:Ym9iLXB1YmxpYy1rZXktYnl0ZXMtMDAwMDAwMDAwMDA="
	carol = "ed25519:Y2Fyb2wtcHVibGljLWtleS1ieXRlcy0wMDAwMDAwMDA="
)

// Factory returns an empty store.
type Factory func(t *testing.T) channel.Store

// Run exercises s against the channel.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("missing records", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("save and load", func(t *testing.T) { testSaveAndLoad(t, newStore(t)) })
	t.Run("app lookups", func(t *testing.T) { testAppLookups(t, newStore(t)) })
	t.Run("update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("failed update writes nothing", func(t *testing.T) { testFailedUpdate(t, newStore(t)) })
	t.Run("concurrent updates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("list", func(t *testing.T) { testList(t, newStore(t)) })
}

func newChannel(t *testing.T, owners ...string) *channel.Channel {
	t.Helper()
	ch, err := channel.New(owners, channel.Balances{
		"ETH": {owners[0]: big.NewInt(100), owners[1]: big.NewInt(50)},
	})
	require.NoError(t, err)
	return ch
}

func propose(t *testing.T, ch *channel.Channel) string {
	t.Helper()
	seq := ch.NextAppSeqNo()
	state := json.RawMessage(`{"count":0}`)
	hash, err := channel.ComputeIdentityHash(ch.MultisigAddress, []string{ch.Owners[0], ch.Owners[1]}, "counter", state, 10, seq)
	require.NoError(t, err)
	require.NoError(t, ch.AddProposal(channel.Proposal{
		IdentityHash:            hash,
		AppDefinition:           "counter",
		Initiator:               ch.Owners[0],
		Responder:               ch.Owners[1],
		InitialState:            state,
		Timeout:                 10,
		AppSeqNo:                seq,
		InitiatorDeposit:        big.NewInt(5),
		InitiatorDepositAssetID: "ETH",
		ResponderDeposit:        big.NewInt(0),
		ResponderDepositAssetID: "ETH",
	}))
	return hash
}

func testMissing(t *testing.T, s channel.Store) {
	ctx := context.Background()
	ch, err := s.GetChannel(ctx, "0xmissing")
	require.NoError(t, err)
	assert.Nil(t, ch)

	ch, err = s.GetChannelByAppIdentityHash(ctx, "0xmissing")
	require.NoError(t, err)
	assert.Nil(t, ch)

	app, err := s.GetAppInstance(ctx, "0xmissing")
	require.NoError(t, err)
	assert.Nil(t, app)

	p, err := s.GetAppProposal(ctx, "0xmissing")
	require.NoError(t, err)
	assert.Nil(t, p)

	addr, err := s.GetMultisigAddressForOwners(ctx, []string{alice, bob}, false)
	require.NoError(t, err)
	assert.Empty(t, addr)

	addr, err = s.GetMultisigAddressForOwners(ctx, []string{alice, bob}, true)
	require.NoError(t, err)
	want, err := channel.DeriveMultisigAddress([]string{alice, bob})
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	_, err = s.UpdateChannel(ctx, "0xmissing", func(*channel.Channel) error { return nil })
	assert.ErrorIs(t, err, channel.ErrChannelNotFound)
}

func testSaveAndLoad(t *testing.T, s channel.Store) {
	ctx := context.Background()
	ch := newChannel(t, alice, bob)
	require.NoError(t, s.SaveChannel(ctx, ch))

	got, err := s.GetChannel(ctx, ch.MultisigAddress)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(ch))

	addr, err := s.GetMultisigAddressForOwners(ctx, []string{bob, alice}, false)
	require.NoError(t, err)
	assert.Equal(t, ch.MultisigAddress, addr)

	// returned values are copies
	got.FreeBalance.LatestVersionNumber = 99
	again, err := s.GetChannel(ctx, ch.MultisigAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.FreeBalance.LatestVersionNumber)
}

func testAppLookups(t *testing.T, s channel.Store) {
	ctx := context.Background()
	ch := newChannel(t, alice, bob)
	proposed := propose(t, ch)
	installed := propose(t, ch)
	_, err := ch.InstallApp(installed)
	require.NoError(t, err)
	require.NoError(t, s.SaveChannel(ctx, ch))

	byProposal, err := s.GetChannelByAppIdentityHash(ctx, proposed)
	require.NoError(t, err)
	require.NotNil(t, byProposal)
	assert.Equal(t, ch.MultisigAddress, byProposal.MultisigAddress)

	byApp, err := s.GetChannelByAppIdentityHash(ctx, installed)
	require.NoError(t, err)
	require.NotNil(t, byApp)
	assert.Equal(t, ch.MultisigAddress, byApp.MultisigAddress)

	p, err := s.GetAppProposal(ctx, proposed)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.AppSeqNo)

	app, err := s.GetAppInstance(ctx, installed)
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "counter", app.AppDefinition)
	assert.Equal(t, int64(2), app.AppSeqNo)

	none, err := s.GetAppInstance(ctx, proposed)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testUpdate(t *testing.T, s channel.Store) {
	ctx := context.Background()
	ch := newChannel(t, alice, bob)
	require.NoError(t, s.SaveChannel(ctx, ch))

	var hash string
	updated, err := s.UpdateChannel(ctx, ch.MultisigAddress, func(c *channel.Channel) error {
		hash = propose(t, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.NumProposedApps)

	got, err := s.GetChannel(ctx, ch.MultisigAddress)
	require.NoError(t, err)
	assert.True(t, got.Equal(updated))

	p, err := s.GetAppProposal(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = s.UpdateChannel(ctx, ch.MultisigAddress, func(c *channel.Channel) error {
		return c.RemoveProposal(hash)
	})
	require.NoError(t, err)
	byHash, err := s.GetChannelByAppIdentityHash(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, byHash)
}

func testFailedUpdate(t *testing.T, s channel.Store) {
	ctx := context.Background()
	ch := newChannel(t, alice, bob)
	require.NoError(t, s.SaveChannel(ctx, ch))

	boom := errors.New("boom")
	_, err := s.UpdateChannel(ctx, ch.MultisigAddress, func(c *channel.Channel) error {
		c.NumProposedApps = 7
		c.FreeBalance.LatestVersionNumber = 7
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetChannel(ctx, ch.MultisigAddress)
	require.NoError(t, err)
	assert.True(t, got.Equal(ch))
}

func testConcurrentUpdates(t *testing.T, s channel.Store) {
	ctx := context.Background()
	ch := newChannel(t, alice, bob)
	require.NoError(t, s.SaveChannel(ctx, ch))

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateChannel(ctx, ch.MultisigAddress, func(c *channel.Channel) error {
				c.NumProposedApps++
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	got, err := s.GetChannel(ctx, ch.MultisigAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.NumProposedApps)
}

func testList(t *testing.T, s channel.Store) {
	ctx := context.Background()
	first := newChannel(t, alice, bob)
	second := newChannel(t, alice, carol)
	require.NoError(t, s.SaveChannel(ctx, first))
	require.NoError(t, s.SaveChannel(ctx, second))

	all, err := s.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Less(t, all[0].MultisigAddress, all[1].MultisigAddress)
	addrs := []string{all[0].MultisigAddress, all[1].MultisigAddress}
	assert.ElementsMatch(t, []string{first.MultisigAddress, second.MultisigAddress}, addrs)
}
