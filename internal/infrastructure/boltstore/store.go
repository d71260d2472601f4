package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

var (
	channelsBucket = []byte("channels")
	appsBucket     = []byte("app_index")
)

// Store persists channels in a single bbolt file. Each channel is one JSON
// value; app_index maps app and proposal identity hashes to their channel.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(channelsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(appsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetChannel(_ context.Context, multisigAddress string) (*channel.Channel, error) {
	var out *channel.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = load(tx, multisigAddress)
		return err
	})
	return out, err
}

func (s *Store) GetChannelByAppIdentityHash(_ context.Context, identityHash string) (*channel.Channel, error) {
	var out *channel.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		multisig := tx.Bucket(appsBucket).Get([]byte(identityHash))
		if multisig == nil {
			return nil
		}
		var err error
		out, err = load(tx, string(multisig))
		return err
	})
	return out, err
}

func (s *Store) GetAppInstance(ctx context.Context, identityHash string) (*channel.AppInstance, error) {
	ch, err := s.GetChannelByAppIdentityHash(ctx, identityHash)
	if err != nil || ch == nil {
		return nil, err
	}
	app, ok := ch.AppInstances[identityHash]
	if !ok {
		return nil, nil
	}
	return &app, nil
}

func (s *Store) GetAppProposal(ctx context.Context, identityHash string) (*channel.Proposal, error) {
	ch, err := s.GetChannelByAppIdentityHash(ctx, identityHash)
	if err != nil || ch == nil {
		return nil, err
	}
	p, ok := ch.ProposedAppInstances[identityHash]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) GetMultisigAddressForOwners(ctx context.Context, owners []string, allowGenerate bool) (string, error) {
	return channel.MultisigForOwners(ctx, s, owners, allowGenerate)
}

func (s *Store) ListChannels(_ context.Context) ([]*channel.Channel, error) {
	out := make([]*channel.Channel, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(_, v []byte) error {
			ch, err := decode(v)
			if err != nil {
				return err
			}
			out = append(out, ch)
			return nil
		})
	})
	return out, err
}

func (s *Store) SaveChannel(_ context.Context, ch *channel.Channel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prev, err := load(tx, ch.MultisigAddress)
		if err != nil {
			return err
		}
		return put(tx, prev, ch)
	})
}

func (s *Store) UpdateChannel(_ context.Context, multisigAddress string, fn func(ch *channel.Channel) error) (*channel.Channel, error) {
	var out *channel.Channel
	err := s.db.Update(func(tx *bolt.Tx) error {
		prev, err := load(tx, multisigAddress)
		if err != nil {
			return err
		}
		if prev == nil {
			return channel.ErrChannelNotFound
		}
		next := prev.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := put(tx, prev, next); err != nil {
			return err
		}
		out = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func load(tx *bolt.Tx, multisigAddress string) (*channel.Channel, error) {
	raw := tx.Bucket(channelsBucket).Get([]byte(multisigAddress))
	if raw == nil {
		return nil, nil
	}
	return decode(raw)
}

func decode(raw []byte) (*channel.Channel, error) {
	var ch channel.Channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	ch.Normalize()
	return &ch, nil
}

// put writes ch and moves its app index entries from prev.
func put(tx *bolt.Tx, prev, ch *channel.Channel) error {
	if ch == nil || ch.MultisigAddress == "" {
		return errors.New("channel has no multisig address")
	}
	cp := ch.Clone()
	cp.Normalize()
	raw, err := cp.CanonicalJSON()
	if err != nil {
		return err
	}
	if err := tx.Bucket(channelsBucket).Put([]byte(cp.MultisigAddress), raw); err != nil {
		return err
	}
	index := tx.Bucket(appsBucket)
	if prev != nil {
		for _, hash := range indexedHashes(prev) {
			if err := index.Delete([]byte(hash)); err != nil {
				return err
			}
		}
	}
	for _, hash := range indexedHashes(cp) {
		if err := index.Put([]byte(hash), []byte(cp.MultisigAddress)); err != nil {
			return err
		}
	}
	return nil
}

func indexedHashes(ch *channel.Channel) []string {
	out := ch.AppIdentityHashes()
	for hash := range ch.ProposedAppInstances {
		out = append(out, hash)
	}
	return out
}
