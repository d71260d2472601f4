package engine

import (
	"context"
	"time"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// Reflected returns the result of a prepared run when the local store
// already holds its outcome, or nil. After a lost reply and a sync the
// counterparty may have committed the run and shared the result, in which
// case repeating it would be wrong.
func (e *Engine) Reflected(ctx context.Context, prepared Prepared) (*Result, error) {
	applied, appID, err := e.reflected(ctx, prepared.Params)
	if err != nil || !applied {
		return nil, err
	}
	ch, err := e.store.GetChannel(ctx, prepared.Params.Multisig())
	if err != nil {
		return nil, err
	}
	return &Result{
		Protocol:        prepared.Params.Protocol(),
		Params:          prepared.Params,
		Initiator:       e.Identity(),
		Counterparty:    prepared.Counterparty,
		Channel:         ch,
		AppIdentityHash: appID,
		CompletedAt:     time.Now().UTC(),
	}, nil
}

func (e *Engine) reflected(ctx context.Context, p protocol.Params) (bool, string, error) {
	ch, err := e.store.GetChannel(ctx, p.Multisig())
	if err != nil || ch == nil {
		return false, "", err
	}

	switch v := p.(type) {
	case protocol.SetupParams:
		return ch.HasOwner(v.Initiator) && ch.HasOwner(v.Responder), "", nil
	case protocol.ProposeParams:
		hash, err := channel.ComputeIdentityHash(v.MultisigAddress, []string{v.Initiator, v.Responder}, v.AppDefinition, v.InitialState, v.Timeout, v.AppSeqNo)
		if err != nil {
			return false, "", err
		}
		return ch.HasAppOrProposal(hash), hash, nil
	case protocol.InstallParams:
		_, ok := ch.AppInstances[v.AppIdentityHash]
		return ok, v.AppIdentityHash, nil
	case protocol.RejectInstallParams:
		return !ch.HasAppOrProposal(v.AppIdentityHash), v.AppIdentityHash, nil
	case protocol.UninstallParams:
		return !ch.HasAppOrProposal(v.AppIdentityHash), v.AppIdentityHash, nil
	case protocol.TakeActionParams:
		return stateReflected(ch, v.AppIdentityHash, v.VersionNumber, v.NewState), v.AppIdentityHash, nil
	case protocol.UpdateParams:
		return stateReflected(ch, v.AppIdentityHash, v.VersionNumber, v.NewState), v.AppIdentityHash, nil
	default:
		// withdraw persists nothing; sync is never re-run
		return false, "", nil
	}
}

func stateReflected(ch *channel.Channel, identityHash string, version int64, state []byte) bool {
	app, ok := ch.AppInstances[identityHash]
	if !ok || app.LatestVersionNumber != version {
		return false
	}
	return sameJSON(app.LatestState, state)
}
