package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/domain/event"
	"github.com/execution-hub/channel-hub/internal/metrics"
	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
	"github.com/execution-hub/channel-hub/internal/p2p/lock"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// Emitter receives domain events.
type Emitter interface {
	Emit(evt event.Event)
}

// Config tunes the reconciler.
type Config struct {
	// MergeWait bounds how long a sync responder waits for the channel lease
	// before answering without merging.
	MergeWait time.Duration
}

func (c Config) normalized() Config {
	if c.MergeWait <= 0 {
		c.MergeWait = 250 * time.Millisecond
	}
	return c
}

// Syncer detects and repairs divergence between the two owners' stored
// views of a channel.
type Syncer struct {
	store    channel.Store
	signer   protocol.Signer
	exchange *exchange.Exchange
	locks    *lock.Manager
	events   Emitter
	metrics  metrics.Recorder
	logger   zerolog.Logger
	cfg      Config
}

func New(store channel.Store, signer protocol.Signer, x *exchange.Exchange, locks *lock.Manager, events Emitter, rec metrics.Recorder, logger zerolog.Logger, cfg Config) *Syncer {
	return &Syncer{
		store:    store,
		signer:   signer,
		exchange: x,
		locks:    locks,
		events:   events,
		metrics:  metrics.OrNoop(rec),
		logger:   logger.With().Str("service", "syncer").Logger(),
		cfg:      cfg.normalized(),
	}
}

// Outcome reports what one reconciliation did.
type Outcome struct {
	Relation channel.Relation
	// Merged is true when the local channel was rewritten.
	Merged  bool
	Channel *channel.Channel
}

// Sync reconciles multisig with counterparty under the channel lease and
// reports failures as SYNC_FAILED.
func (s *Syncer) Sync(ctx context.Context, counterparty, multisig string) (Outcome, error) {
	lease, err := s.locks.Acquire(ctx, multisig)
	if err != nil {
		s.emitFailed(counterparty, multisig, err)
		return Outcome{}, err
	}
	defer lease.Release()
	out, err := s.SyncLocked(ctx, counterparty, multisig)
	if err != nil {
		s.emitFailed(counterparty, multisig, err)
	}
	return out, err
}

// SyncAll reconciles every stored channel with its counterparty.
func (s *Syncer) SyncAll(ctx context.Context) error {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, ch := range channels {
		counterparty := ch.Counterparty(s.signer.Identity())
		if _, err := s.Sync(ctx, counterparty, ch.MultisigAddress); err != nil {
			s.logger.Warn().Err(err).Str("multisig", ch.MultisigAddress).Msg("proactive sync failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.MultisigAddress, err))
		}
	}
	return errors.Join(errs...)
}

// SyncLocked exchanges snapshots of multisig with counterparty and merges
// the remote snapshot when it is ahead. The caller holds the leases of the
// run being repaired. Failures are returned, not emitted.
func (s *Syncer) SyncLocked(ctx context.Context, counterparty, multisig string) (Outcome, error) {
	local, err := s.store.GetChannel(ctx, multisig)
	if err != nil {
		return Outcome{}, err
	}
	summary := channel.Summary{MultisigAddress: multisig}
	if local != nil {
		summary = local.Summarize()
	}
	raw, err := protocol.EncodeParams(protocol.SyncParams{MultisigAddress: multisig, Summary: summary})
	if err != nil {
		return Outcome{}, err
	}
	digest, err := protocol.SyncDigest(multisig, local)
	if err != nil {
		return Outcome{}, err
	}
	sig, err := s.signer.Sign(digest)
	if err != nil {
		return Outcome{}, err
	}
	msg := protocol.Message{
		ProcessID:  uuid.NewString(),
		Protocol:   protocol.Sync,
		Seq:        protocol.FirstSeqNo,
		From:       s.signer.Identity(),
		To:         counterparty,
		Params:     raw,
		Commitment: protocol.HexDigest(digest),
		Signatures: []string{sig},
		Snapshot:   local,
	}
	log := s.logger.With().Str("process_id", msg.ProcessID).Str("multisig", multisig).Str("counterparty", counterparty).Logger()
	log.Debug().Msg("requesting sync")

	reply, err := s.exchange.Request(ctx, msg)
	if err != nil {
		s.metrics.IncSync("failed")
		return Outcome{}, err
	}
	if reply.Error != nil {
		s.metrics.IncSync("failed")
		return Outcome{}, reply.Error.Err()
	}
	remote := reply.Snapshot
	if err := s.verifySnapshot(counterparty, multisig, remote, reply.Commitment, reply.Signatures); err != nil {
		s.metrics.IncSync("failed")
		return Outcome{}, err
	}
	if remote == nil && local == nil {
		s.metrics.IncSync("failed")
		return Outcome{}, protocol.Errorf(protocol.KindSyncUnresolvable, "neither owner holds channel %s", multisig)
	}

	out, err := s.reconcile(ctx, multisig, local, remote)
	if err != nil {
		s.metrics.IncSync("failed")
		return Outcome{}, err
	}
	s.metrics.IncSync(out.Relation.String())
	log.Info().Str("relation", out.Relation.String()).Bool("merged", out.Merged).Msg("sync completed")
	s.emitSynced(counterparty, out.Channel)
	return out, nil
}

// HandleSync answers a sync request. The responder merges the requester's
// snapshot when it is the one behind, provided the channel lease frees up
// within MergeWait; otherwise it answers with its snapshot unchanged and the
// requester repairs itself.
func (s *Syncer) HandleSync(ctx context.Context, msg protocol.Message) protocol.Message {
	reply, err := s.handleSync(ctx, msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("process_id", msg.ProcessID).Str("from", msg.From).Msg("sync request failed")
		reply = msg.Reply()
		reply.Error = protocol.ToWire(err)
	}
	return reply
}

func (s *Syncer) handleSync(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	p, err := msg.DecodedParams()
	if err != nil {
		return protocol.Message{}, err
	}
	multisig := p.Multisig()
	if err := s.verifySnapshot(msg.From, multisig, msg.Snapshot, msg.Commitment, msg.Signatures); err != nil {
		return protocol.Message{}, err
	}
	local, err := s.store.GetChannel(ctx, multisig)
	if err != nil {
		return protocol.Message{}, err
	}
	if local != nil && !local.HasOwner(msg.From) {
		return protocol.Message{}, protocol.Errorf(protocol.KindInvalidParams, "%s is not an owner of %s", msg.From, multisig)
	}

	if msg.Snapshot != nil {
		relation := channel.RelationRemoteAhead
		if local != nil {
			relation = channel.Compare(local, msg.Snapshot)
		}
		switch relation {
		case channel.RelationConflict:
			s.metrics.IncSync("conflict")
			return protocol.Message{}, protocol.Errorf(protocol.KindSyncUnresolvable, "snapshots of %s conflict", multisig)
		case channel.RelationRemoteAhead:
			merged, err := s.mergeIfFree(ctx, multisig, local, msg.Snapshot)
			if err != nil {
				return protocol.Message{}, err
			}
			if merged != nil {
				local = merged
				s.metrics.IncSync(relation.String())
				s.emitSynced(msg.From, merged)
			}
		}
	}

	digest, err := protocol.SyncDigest(multisig, local)
	if err != nil {
		return protocol.Message{}, err
	}
	sig, err := s.signer.Sign(digest)
	if err != nil {
		return protocol.Message{}, err
	}
	reply := msg.Reply()
	reply.Snapshot = local
	reply.Commitment = protocol.HexDigest(digest)
	reply.Signatures = []string{sig}
	return reply, nil
}

func (s *Syncer) mergeIfFree(ctx context.Context, multisig string, local, remote *channel.Channel) (*channel.Channel, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.MergeWait)
	defer cancel()
	lease, err := s.locks.Acquire(waitCtx, multisig)
	if err != nil {
		s.logger.Debug().Str("multisig", multisig).Msg("channel busy, answering sync without merging")
		return nil, nil
	}
	defer lease.Release()
	out, err := s.reconcile(ctx, multisig, local, remote)
	if err != nil {
		return nil, err
	}
	return out.Channel, nil
}

func (s *Syncer) reconcile(ctx context.Context, multisig string, local, remote *channel.Channel) (Outcome, error) {
	if remote == nil {
		// the counterparty lacks the channel; it repairs on its side
		return Outcome{Relation: channel.RelationLocalAhead, Channel: local}, nil
	}
	if local == nil {
		if err := s.store.SaveChannel(ctx, remote); err != nil {
			return Outcome{}, err
		}
		return Outcome{Relation: channel.RelationRemoteAhead, Merged: true, Channel: remote.Clone()}, nil
	}

	relation := channel.Compare(local, remote)
	switch relation {
	case channel.RelationConflict:
		return Outcome{}, protocol.Errorf(protocol.KindSyncUnresolvable, "snapshots of %s conflict", multisig)
	case channel.RelationRemoteAhead:
		updated, err := s.store.UpdateChannel(ctx, multisig, func(ch *channel.Channel) error {
			*ch = *channel.Merge(ch, remote)
			return nil
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Relation: relation, Merged: true, Channel: updated}, nil
	default:
		return Outcome{Relation: relation, Channel: local}, nil
	}
}

// verifySnapshot checks that snapshot is signed by from and describes
// multisig with both owners.
func (s *Syncer) verifySnapshot(from, multisig string, snapshot *channel.Channel, commitment string, sigs []string) error {
	digest, err := protocol.SyncDigest(multisig, snapshot)
	if err != nil {
		return err
	}
	if commitment != protocol.HexDigest(digest) {
		return protocol.Errorf(protocol.KindCommitmentMismatch, "sync snapshot does not match its commitment")
	}
	if len(sigs) == 0 {
		return protocol.Errorf(protocol.KindSignatureInvalid, "sync message carries no signature")
	}
	if err := protocol.Verify(from, digest, sigs[0]); err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.MultisigAddress != multisig {
		return protocol.Errorf(protocol.KindInvalidParams, "snapshot is of %s, not %s", snapshot.MultisigAddress, multisig)
	}
	derived, err := channel.DeriveMultisigAddress(snapshot.Owners)
	if err != nil || derived != multisig {
		return protocol.Errorf(protocol.KindInvalidParams, "snapshot owners do not derive %s", multisig)
	}
	if !snapshot.HasOwner(from) || !snapshot.HasOwner(s.signer.Identity()) {
		return protocol.Errorf(protocol.KindInvalidParams, "snapshot of %s is not shared by %s", multisig, from)
	}
	snapshot.Normalize()
	return nil
}

func (s *Syncer) emitSynced(counterparty string, ch *channel.Channel) {
	if s.events == nil {
		return
	}
	s.events.Emit(event.New(event.TypeSync, counterparty, event.SyncData{SyncedChannel: ch.Clone()}))
}

func (s *Syncer) emitFailed(counterparty, multisig string, err error) {
	if s.events == nil {
		return
	}
	s.events.Emit(event.New(event.TypeSyncFailed, counterparty, event.SyncFailedData{
		Error:           err.Error(),
		MultisigAddress: multisig,
	}))
}
