package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// Store keeps channels in memory. It backs tests, development nodes and
// the replicated store's state machine.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*channel.Channel
}

func New() *Store {
	return &Store{channels: make(map[string]*channel.Channel)}
}

func (s *Store) GetChannel(_ context.Context, multisigAddress string) (*channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[multisigAddress].Clone(), nil
}

func (s *Store) GetChannelByAppIdentityHash(_ context.Context, identityHash string) (*channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.HasAppOrProposal(identityHash) {
			return ch.Clone(), nil
		}
	}
	return nil, nil
}

func (s *Store) GetAppInstance(_ context.Context, identityHash string) (*channel.AppInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if _, ok := ch.AppInstances[identityHash]; ok {
			app := ch.Clone().AppInstances[identityHash]
			return &app, nil
		}
	}
	return nil, nil
}

func (s *Store) GetAppProposal(_ context.Context, identityHash string) (*channel.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if _, ok := ch.ProposedAppInstances[identityHash]; ok {
			p := ch.Clone().ProposedAppInstances[identityHash]
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) GetMultisigAddressForOwners(ctx context.Context, owners []string, allowGenerate bool) (string, error) {
	return channel.MultisigForOwners(ctx, s, owners, allowGenerate)
}

func (s *Store) ListChannels(_ context.Context) ([]*channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MultisigAddress < out[j].MultisigAddress })
	return out, nil
}

func (s *Store) SaveChannel(_ context.Context, ch *channel.Channel) error {
	cp := ch.Clone()
	cp.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[cp.MultisigAddress] = cp
	return nil
}

func (s *Store) UpdateChannel(_ context.Context, multisigAddress string, fn func(ch *channel.Channel) error) (*channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.channels[multisigAddress]
	if !ok {
		return nil, channel.ErrChannelNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Normalize()
	s.channels[multisigAddress] = next
	return next.Clone(), nil
}

// Marshal encodes every channel for snapshots.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.channels)
}

// Unmarshal replaces all channels with a snapshot produced by Marshal.
func (s *Store) Unmarshal(data []byte) error {
	var decoded map[string]*channel.Channel
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded == nil {
		decoded = map[string]*channel.Channel{}
	}
	for _, ch := range decoded {
		ch.Normalize()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = decoded
	return nil
}
