package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// prepare fills the fields the initiator derives from its own state and
// returns the counterparty to talk to. It runs under the protocol's leases.
func (e *Engine) prepare(ctx context.Context, p protocol.Params) (protocol.Params, string, error) {
	self := e.Identity()
	p, err := e.Resolve(ctx, p)
	if err != nil {
		return nil, "", err
	}

	var counterparty string
	switch v := p.(type) {
	case protocol.SetupParams:
		if v.Initiator != self {
			return nil, "", protocol.Errorf(protocol.KindInvalidParams, "setup must be initiated by %s", self)
		}
		counterparty = v.Responder
		p = v
	case protocol.ProposeParams:
		ch, err := e.loadChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, "", err
		}
		if v.Initiator == "" {
			v.Initiator = self
		}
		if v.Responder == "" {
			v.Responder = ch.Counterparty(self)
		}
		if v.AppSeqNo == 0 {
			v.AppSeqNo = ch.NextAppSeqNo()
		}
		counterparty = v.Responder
		p = v
	case protocol.InstallParams, protocol.RejectInstallParams:
		ch, err := e.loadChannel(ctx, p.Multisig())
		if err != nil {
			return nil, "", err
		}
		counterparty = ch.Counterparty(self)
	case protocol.UninstallParams:
		ch, err := e.loadChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, "", err
		}
		if v.AppVersionNumber == 0 {
			app, err := loadApp(ch, v.AppIdentityHash)
			if err != nil {
				return nil, "", err
			}
			v.AppVersionNumber = app.LatestVersionNumber
		}
		counterparty = ch.Counterparty(self)
		p = v
	case protocol.TakeActionParams:
		ch, err := e.loadChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, "", err
		}
		app, err := loadApp(ch, v.AppIdentityHash)
		if err != nil {
			return nil, "", err
		}
		if v.VersionNumber == 0 {
			v.VersionNumber = app.LatestVersionNumber + 1
		}
		if len(v.NewState) == 0 {
			if v.NewState, err = e.apps.ApplyAction(app, v.Action); err != nil {
				return nil, "", protocol.Wrap(protocol.KindInvalidParams, err)
			}
		}
		counterparty = ch.Counterparty(self)
		p = v
	case protocol.UpdateParams:
		ch, err := e.loadChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, "", err
		}
		if v.VersionNumber == 0 {
			app, err := loadApp(ch, v.AppIdentityHash)
			if err != nil {
				return nil, "", err
			}
			v.VersionNumber = app.LatestVersionNumber + 1
		}
		counterparty = ch.Counterparty(self)
		p = v
	case protocol.WithdrawParams:
		ch, err := e.loadChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, "", err
		}
		if v.Initiator == "" {
			v.Initiator = self
		}
		if v.Nonce == "" {
			v.Nonce = uuid.NewString()
		}
		counterparty = ch.Counterparty(self)
		p = v
	case protocol.SyncParams:
		return nil, "", protocol.Wrap(protocol.KindInvalidParams, errSyncNotPlanned)
	default:
		return nil, "", protocol.Errorf(protocol.KindUnknownProtocol, "unsupported params %T", p)
	}

	if err := p.Validate(); err != nil {
		return nil, "", protocol.Wrap(protocol.KindInvalidParams, err)
	}
	if counterparty == "" || counterparty == self {
		return nil, "", protocol.Errorf(protocol.KindInvalidParams, "no counterparty for %s on %s", p.Protocol(), p.Multisig())
	}
	return p, counterparty, nil
}

// plan computes the transition p describes against the current store
// state. Both roles call it with the same params and must arrive at the
// same digest.
func (e *Engine) plan(ctx context.Context, p protocol.Params) (*transition, error) {
	self := e.Identity()
	switch v := p.(type) {
	case protocol.SetupParams:
		if self != v.Initiator && self != v.Responder {
			return nil, protocol.Errorf(protocol.KindInvalidParams, "%s is not a party to this setup", self)
		}
		existing, err := e.store.GetChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s", channel.ErrChannelExists, v.MultisigAddress)
		}
		ch, err := channel.New([]string{v.Initiator, v.Responder}, v.InitialBalances)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindInvalidParams, err)
		}
		if ch.MultisigAddress != v.MultisigAddress {
			return nil, protocol.Errorf(protocol.KindInvalidParams, "multisig %s does not belong to the owners, expected %s", v.MultisigAddress, ch.MultisigAddress)
		}
		fb, err := protocol.FreeBalanceCommitment(ch)
		if err != nil {
			return nil, err
		}
		return &transition{
			params:    v,
			initiator: v.Initiator,
			responder: v.Responder,
			digest:    fb.Digest(),
			create:    ch,
		}, nil

	case protocol.ProposeParams:
		ch, err := e.ownedChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		if !ch.HasOwner(v.Initiator) || !ch.HasOwner(v.Responder) || v.Initiator == v.Responder {
			return nil, protocol.Errorf(protocol.KindInvalidParams, "proposal parties must be the two channel owners")
		}
		hash, err := channel.ComputeIdentityHash(v.MultisigAddress, []string{v.Initiator, v.Responder}, v.AppDefinition, v.InitialState, v.Timeout, v.AppSeqNo)
		if err != nil {
			return nil, err
		}
		proposal := channel.Proposal{
			IdentityHash:            hash,
			AppDefinition:           v.AppDefinition,
			Initiator:               v.Initiator,
			Responder:               v.Responder,
			InitialState:            v.InitialState,
			Timeout:                 v.Timeout,
			AppSeqNo:                v.AppSeqNo,
			InitiatorDeposit:        v.InitiatorDeposit,
			InitiatorDepositAssetID: v.InitiatorDepositAssetID,
			ResponderDeposit:        v.ResponderDeposit,
			ResponderDepositAssetID: v.ResponderDepositAssetID,
			Meta:                    v.Meta,
		}
		digestOf := func(*channel.Channel) ([]byte, error) { return protocol.ProposalDigest(proposal), nil }
		return e.dryRun(ch, &transition{
			params:    v,
			initiator: v.Initiator,
			responder: v.Responder,
			appID:     hash,
			apply:     func(c *channel.Channel) error { return c.AddProposal(proposal) },
			digestOf:  digestOf,
		})

	case protocol.InstallParams:
		ch, err := e.ownedChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		return e.dryRun(ch, &transition{
			params: v,
			appID:  v.AppIdentityHash,
			apply: func(c *channel.Channel) error {
				_, err := c.InstallApp(v.AppIdentityHash)
				return err
			},
			digestOf: func(c *channel.Channel) ([]byte, error) {
				app, err := loadApp(c, v.AppIdentityHash)
				if err != nil {
					return nil, err
				}
				return protocol.InstallDigest(c, app)
			},
		})

	case protocol.RejectInstallParams:
		ch, err := e.ownedChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		digest := protocol.RejectDigest(v.MultisigAddress, v.AppIdentityHash)
		return e.dryRun(ch, &transition{
			params:   v,
			appID:    v.AppIdentityHash,
			apply:    func(c *channel.Channel) error { return c.RemoveProposal(v.AppIdentityHash) },
			digestOf: func(*channel.Channel) ([]byte, error) { return digest, nil },
		})

	case protocol.UninstallParams:
		ch, err := e.ownedChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		app, err := loadApp(ch, v.AppIdentityHash)
		if err != nil {
			return nil, err
		}
		outcome, err := e.apps.ComputeOutcome(app)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindInvalidParams, fmt.Errorf("compute outcome of %s: %w", v.AppIdentityHash, err))
		}
		return e.dryRun(ch, &transition{
			params: v,
			appID:  v.AppIdentityHash,
			apply: func(c *channel.Channel) error {
				current, err := loadApp(c, v.AppIdentityHash)
				if err != nil {
					return err
				}
				if current.LatestVersionNumber != v.AppVersionNumber {
					return fmt.Errorf("%w: app %s at %d, uninstall settles %d", channel.ErrStaleVersion, v.AppIdentityHash, current.LatestVersionNumber, v.AppVersionNumber)
				}
				return c.UninstallApp(v.AppIdentityHash, outcome)
			},
			digestOf: func(c *channel.Channel) ([]byte, error) {
				fb, err := protocol.FreeBalanceCommitment(c)
				if err != nil {
					return nil, err
				}
				return channel.Keccak256([]byte("uninstall"), fb.Digest(), []byte(v.AppIdentityHash)), nil
			},
		})

	case protocol.TakeActionParams:
		ch, err := e.ownedChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		app, err := loadApp(ch, v.AppIdentityHash)
		if err != nil {
			return nil, err
		}
		if v.VersionNumber != app.LatestVersionNumber+1 {
			return nil, fmt.Errorf("%w: app %s at %d, action targets %d", channel.ErrStaleVersion, v.AppIdentityHash, app.LatestVersionNumber, v.VersionNumber)
		}
		next, err := e.apps.ApplyAction(app, v.Action)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindInvalidParams, fmt.Errorf("apply action to %s: %w", v.AppIdentityHash, err))
		}
		if len(v.NewState) > 0 && !sameJSON(next, v.NewState) {
			return nil, protocol.Errorf(protocol.KindCommitmentMismatch, "action on %s does not produce the proposed state", v.AppIdentityHash)
		}
		return e.dryRun(ch, &transition{
			params: v,
			appID:  v.AppIdentityHash,
			apply: func(c *channel.Channel) error {
				_, err := c.SetAppState(v.AppIdentityHash, next, v.Action, v.VersionNumber)
				return err
			},
			digestOf: appDigest(v.MultisigAddress, v.AppIdentityHash),
		})

	case protocol.UpdateParams:
		ch, err := e.ownedChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		return e.dryRun(ch, &transition{
			params: v,
			appID:  v.AppIdentityHash,
			apply: func(c *channel.Channel) error {
				_, err := c.SetAppState(v.AppIdentityHash, v.NewState, nil, v.VersionNumber)
				return err
			},
			digestOf: appDigest(v.MultisigAddress, v.AppIdentityHash),
		})

	case protocol.WithdrawParams:
		ch, err := e.ownedChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		if !ch.HasOwner(v.Initiator) {
			return nil, protocol.Errorf(protocol.KindInvalidParams, "%s is not an owner of %s", v.Initiator, v.MultisigAddress)
		}
		if ch.FreeBalance.Balances.Get(v.AssetID, v.Initiator).Cmp(v.Amount) < 0 {
			return nil, protocol.Wrap(protocol.KindInvalidParams, fmt.Errorf("%w: %s cannot withdraw %s of %s", channel.ErrInsufficientBalance, v.Initiator, v.Amount, v.AssetID))
		}
		w := protocol.WithdrawalCommitment{
			MultisigAddress: v.MultisigAddress,
			AssetID:         v.AssetID,
			Recipient:       v.Recipient,
			Amount:          v.Amount,
			Nonce:           v.Nonce,
		}
		return &transition{
			params:     v,
			initiator:  v.Initiator,
			digest:     w.Digest(),
			withdrawal: &w,
		}, nil

	case protocol.SyncParams:
		return nil, protocol.Wrap(protocol.KindInvalidParams, errSyncNotPlanned)

	default:
		return nil, protocol.Errorf(protocol.KindUnknownProtocol, "unsupported params %T", p)
	}
}

// dryRun applies tr to a copy of ch to surface divergence before anything
// is signed, and records the resulting digest.
func (e *Engine) dryRun(ch *channel.Channel, tr *transition) (*transition, error) {
	next := ch.Clone()
	if err := tr.apply(next); err != nil {
		return nil, err
	}
	digest, err := tr.digestOf(next)
	if err != nil {
		return nil, err
	}
	tr.digest = digest
	tr.owners = append([]string(nil), ch.Owners...)
	return tr, nil
}

// ownedChannel loads a channel the local identity belongs to.
func (e *Engine) ownedChannel(ctx context.Context, multisig string) (*channel.Channel, error) {
	ch, err := e.loadChannel(ctx, multisig)
	if err != nil {
		return nil, err
	}
	if !ch.HasOwner(e.Identity()) {
		return nil, protocol.Errorf(protocol.KindInvalidParams, "%s is not an owner of %s", e.Identity(), multisig)
	}
	return ch, nil
}

func appDigest(multisig, identityHash string) func(*channel.Channel) ([]byte, error) {
	return func(c *channel.Channel) ([]byte, error) {
		app, err := loadApp(c, identityHash)
		if err != nil {
			return nil, err
		}
		ac, err := protocol.AppCommitment(multisig, app)
		if err != nil {
			return nil, err
		}
		return ac.Digest(), nil
	}
}

// mayInitiate reports whether from is allowed to open tr on this node.
func (e *Engine) mayInitiate(tr *transition, from string) bool {
	self := e.Identity()
	if from == self {
		return false
	}
	if tr.responder != "" && tr.responder != self {
		return false
	}
	if tr.initiator != "" {
		return from == tr.initiator
	}
	for _, o := range tr.owners {
		if o == from {
			return true
		}
	}
	return false
}
