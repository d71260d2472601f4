package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/domain/channel/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) channel.Store { return New() })
}

func TestMarshalRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := New()
	ch, err := channel.New([]string{"ed25519:YQ==", "ed25519:Yg=="}, nil)
	require.NoError(t, err)
	require.NoError(t, src.SaveChannel(ctx, ch))

	raw, err := src.Marshal()
	require.NoError(t, err)

	dst := New()
	require.NoError(t, dst.Unmarshal(raw))
	got, err := dst.GetChannel(ctx, ch.MultisigAddress)
	require.NoError(t, err)
	assert.True(t, got.Equal(ch))

	require.NoError(t, dst.Unmarshal([]byte("null")))
	all, err := dst.ListChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
