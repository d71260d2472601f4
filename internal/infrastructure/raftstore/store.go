package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// ErrNotLeader is returned for writes on a follower.
var ErrNotLeader = errors.New("not the raft leader")

// Store implements channel.Store on top of a raft node. Reads are served
// from the local replica; writes go through the leader's log.
type Store struct {
	node *Node
	// serializes read-modify-write on the leader
	mu sync.Mutex
}

func NewStore(node *Node) *Store {
	return &Store{node: node}
}

func (s *Store) GetChannel(ctx context.Context, multisigAddress string) (*channel.Channel, error) {
	return s.node.machine.GetChannel(ctx, multisigAddress)
}

func (s *Store) GetChannelByAppIdentityHash(ctx context.Context, identityHash string) (*channel.Channel, error) {
	return s.node.machine.GetChannelByAppIdentityHash(ctx, identityHash)
}

func (s *Store) GetAppInstance(ctx context.Context, identityHash string) (*channel.AppInstance, error) {
	return s.node.machine.GetAppInstance(ctx, identityHash)
}

func (s *Store) GetAppProposal(ctx context.Context, identityHash string) (*channel.Proposal, error) {
	return s.node.machine.GetAppProposal(ctx, identityHash)
}

func (s *Store) GetMultisigAddressForOwners(ctx context.Context, owners []string, allowGenerate bool) (string, error) {
	return channel.MultisigForOwners(ctx, s, owners, allowGenerate)
}

func (s *Store) ListChannels(ctx context.Context) ([]*channel.Channel, error) {
	return s.node.machine.ListChannels(ctx)
}

func (s *Store) SaveChannel(ctx context.Context, ch *channel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ctx, command{Op: opPut, Channel: ch})
}

func (s *Store) UpdateChannel(ctx context.Context, multisigAddress string, fn func(ch *channel.Channel) error) (*channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.node.machine.GetChannel(ctx, multisigAddress)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, channel.ErrChannelNotFound
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.Normalize()
	if err := s.apply(ctx, command{Op: opPut, Channel: current}); err != nil {
		return nil, err
	}
	return current.Clone(), nil
}

func (s *Store) apply(ctx context.Context, cmd command) error {
	if !s.node.IsLeader() {
		return ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	timeout := s.node.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	future := s.node.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return err
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}
