package router

import (
	"context"
	"time"

	"github.com/execution-hub/channel-hub/internal/p2p/engine"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
	"github.com/execution-hub/channel-hub/internal/p2p/syncer"
)

// Initiate runs p with the local node as initiator. Divergence is repaired
// through one sync and one retry; any terminal failure raises exactly one
// failure event.
func (r *Router) Initiate(ctx context.Context, p protocol.Params) (*engine.Result, error) {
	start := time.Now()
	res, counterparty, err := r.initiate(ctx, p)
	r.metrics.ObserveProtocol(string(p.Protocol()), "initiator", outcomeOf(err), time.Since(start))
	if err != nil {
		r.logger.Warn().Err(err).Str("protocol", string(p.Protocol())).Str("multisig", p.Multisig()).Msg("initiated run failed")
		r.emitFailure(counterparty, "", p.Protocol(), p.Multisig(), err)
		return nil, err
	}
	return res, nil
}

// Sync reconciles one channel with its counterparty outside any run.
func (r *Router) Sync(ctx context.Context, multisig string) (syncer.Outcome, error) {
	ch, err := r.committedChannel(ctx, multisig)
	if err != nil {
		return syncer.Outcome{}, err
	}
	return r.syncer.Sync(ctx, ch.Counterparty(r.engine.Identity()), multisig)
}

func (r *Router) initiate(ctx context.Context, p protocol.Params) (*engine.Result, string, error) {
	if p.Protocol() == protocol.Sync {
		return nil, "", protocol.Errorf(protocol.KindInvalidParams, "sync is not initiated as a protocol run")
	}
	p, err := r.engine.Resolve(ctx, p)
	if err != nil {
		return nil, "", err
	}
	lease, err := r.acquire(ctx, p)
	if err != nil {
		return nil, "", err
	}
	defer lease.Release()

	prepared, err := r.engine.Prepare(ctx, p)
	if err == nil {
		var res *engine.Result
		res, err = r.engine.Run(ctx, prepared)
		if err == nil {
			return res, prepared.Counterparty, nil
		}
	}
	counterparty := prepared.Counterparty
	if counterparty == "" {
		counterparty = r.counterpartyOf(ctx, p)
	}
	if !protocol.IsDivergence(err) || counterparty == "" {
		return nil, counterparty, err
	}

	r.logger.Info().Err(err).Str("protocol", string(p.Protocol())).Str("multisig", p.Multisig()).Msg("run diverged, syncing")
	if _, serr := r.syncUnder(ctx, lease, counterparty, p.Multisig()); serr != nil {
		return nil, counterparty, &syncFailure{err: serr}
	}
	if prepared.Params != nil {
		res, rerr := r.engine.Reflected(ctx, prepared)
		if rerr != nil {
			return nil, counterparty, &syncFailure{err: rerr}
		}
		if res != nil {
			return res, counterparty, nil
		}
	}

	prepared, err = r.engine.Prepare(ctx, p)
	if err == nil {
		var res *engine.Result
		res, err = r.engine.Run(ctx, prepared)
		if err == nil {
			return res, counterparty, nil
		}
	}
	if protocol.IsDivergence(err) {
		return nil, counterparty, unresolvable(err)
	}
	return nil, counterparty, &syncFailure{err: err}
}

// counterpartyOf finds the other owner for p when preparing it failed.
func (r *Router) counterpartyOf(ctx context.Context, p protocol.Params) string {
	if setup, ok := p.(protocol.SetupParams); ok {
		return setup.Responder
	}
	ch, err := r.store.GetChannel(ctx, p.Multisig())
	if err != nil || ch == nil {
		return ""
	}
	return ch.Counterparty(r.engine.Identity())
}
