package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/application/events"
	"github.com/execution-hub/channel-hub/internal/domain/event"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	install := event.New(event.TypeInstall, "ed25519:YQ==", event.InstallData{
		Params: event.InstallParams{AppInstanceID: "0xabc"},
	}).WithProcess("p-1")
	sync := event.New(event.TypeSync, "ed25519:Yg==", map[string]any{"multisigAddress": "0x1"})
	require.NoError(t, j.Append(ctx, install))
	require.NoError(t, j.Append(ctx, sync))
	require.NoError(t, j.Append(ctx, install))

	all, err := j.List(ctx, Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, install.ID, all[0].ID)
	assert.Equal(t, event.TypeInstall, all[0].Type)
	assert.Equal(t, "p-1", all[0].ProcessID)
	assert.JSONEq(t, `{"params":{"appInstanceId":"0xabc"}}`, string(all[0].Data))
	assert.Less(t, all[0].Seq, all[1].Seq)

	byType, err := j.List(ctx, Filter{Type: event.TypeSync}, 10, 0)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Empty(t, byType[0].ProcessID)

	byProcess, err := j.List(ctx, Filter{ProcessID: "p-1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, byProcess, 1)

	paged, err := j.List(ctx, Filter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, sync.ID, paged[0].ID)
}

func TestConsumeFromEmitter(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "events.db"), zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()

	emitter := events.NewEmitter(nil, zerolog.Nop())
	ch, cancel := emitter.Subscribe(16)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan struct{})
	go func() {
		j.Consume(ctx, ch)
		close(done)
	}()

	emitter.Emit(event.New(event.TypeCreateChannel, "ed25519:YQ==", event.CreateChannelData{MultisigAddress: "0x1"}))
	emitter.Emit(event.New(event.TypeSyncFailed, "ed25519:YQ==", event.SyncFailedData{Error: "boom"}))

	require.Eventually(t, func() bool {
		recs, err := j.List(context.Background(), Filter{}, 10, 0)
		return err == nil && len(recs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after unsubscribe")
	}
}
