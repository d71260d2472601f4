package raftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/infrastructure/memstore"
)

const opPut = "put"

// command is one replicated log entry. Every write is a full channel
// snapshot so replay is deterministic.
type command struct {
	Op      string           `json:"op"`
	Channel *channel.Channel `json:"channel"`
}

// fsm applies committed log entries to the in-memory channel set.
type fsm struct {
	machine *memstore.Store
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Op {
	case opPut:
		if cmd.Channel == nil {
			return fmt.Errorf("put without channel")
		}
		return f.machine.SaveChannel(context.Background(), cmd.Channel)
	default:
		return fmt.Errorf("unknown command %q", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.machine.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
