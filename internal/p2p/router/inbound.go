package router

import (
	"context"
	"errors"
	"time"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/domain/event"
	"github.com/execution-hub/channel-hub/internal/p2p/engine"
	"github.com/execution-hub/channel-hub/internal/p2p/lock"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// HandleMessage classifies one inbound message. Terminal replies go to the
// run awaiting them; opening messages run the responder side.
func (r *Router) HandleMessage(ctx context.Context, msg protocol.Message) {
	if msg.IsReply() {
		if !r.exchange.Deliver(msg) {
			r.metrics.IncMessageDropped("unclaimed_reply")
			r.logger.Debug().Str("process_id", msg.ProcessID).Str("protocol", string(msg.Protocol)).Msg("dropping reply nobody awaits")
		}
		return
	}
	if err := msg.ValidateBasic(); err != nil {
		if protocol.KindOf(err) == protocol.KindUnknownProtocol {
			r.metrics.IncMessageDropped("unknown_protocol")
			r.logger.Error().Err(err).Str("process_id", msg.ProcessID).Str("from", msg.From).Msg("dropping message for unknown protocol")
			return
		}
		r.metrics.IncMessageDropped("malformed")
		r.logger.Warn().Err(err).Str("process_id", msg.ProcessID).Msg("dropping malformed message")
		return
	}
	if msg.To != r.engine.Identity() {
		r.metrics.IncMessageDropped("misrouted")
		r.logger.Warn().Str("process_id", msg.ProcessID).Str("to", msg.To).Msg("dropping message addressed elsewhere")
		return
	}
	if msg.Protocol == protocol.Sync {
		r.send(ctx, r.syncer.HandleSync(ctx, msg))
		return
	}
	r.respond(ctx, msg)
}

func (r *Router) respond(ctx context.Context, msg protocol.Message) {
	start := time.Now()
	log := r.logger.With().Str("process_id", msg.ProcessID).Str("protocol", string(msg.Protocol)).Str("from", msg.From).Logger()

	reply, evt, err := r.respondLeased(ctx, msg)
	r.metrics.ObserveProtocol(string(msg.Protocol), "responder", outcomeOf(err), time.Since(start))
	if err != nil {
		r.send(ctx, engine.ErrorReply(msg, err))
		if protocol.IsDivergence(err) && !fromSync(err) {
			// the initiator is behind and repairs through sync
			log.Info().Err(err).Msg("counterparty diverged, left to initiator")
			return
		}
		log.Warn().Err(err).Msg("responder run failed")
		multisig := ""
		if p, perr := msg.DecodedParams(); perr == nil {
			multisig = p.Multisig()
		}
		r.emitFailure(msg.From, msg.ProcessID, msg.Protocol, multisig, err)
		return
	}
	r.send(ctx, reply)
	if evt != nil {
		r.events.Emit(*evt)
	}
}

// respondLeased runs the responder side under the run's leases and derives
// its event from committed state before the leases are released.
func (r *Router) respondLeased(ctx context.Context, msg protocol.Message) (protocol.Message, *event.Event, error) {
	p, err := msg.DecodedParams()
	if err != nil {
		return protocol.Message{}, nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, r.responderWindow())
	defer cancel()
	lease, err := r.acquire(runCtx, p)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	defer lease.Release()

	reply, res, err := r.engine.Respond(runCtx, msg)
	if err != nil && protocol.IsDivergence(err) {
		reply, res, err = r.recoverResponder(runCtx, msg, lease, p, err)
	}
	if err != nil {
		return protocol.Message{}, nil, err
	}
	if res.Protocol == protocol.Install {
		r.cleanupProposal(ctx, res.Params.Multisig(), res.AppIdentityHash)
	}
	evt, err := r.successEvent(ctx, res)
	if err != nil {
		r.logger.Warn().Err(err).Str("process_id", msg.ProcessID).Msg("committed but could not derive event")
		return reply, nil, nil
	}
	return reply, evt, nil
}

// recoverResponder syncs with the initiator. When this side was behind and
// caught up, the message is handled once more; otherwise the original
// failure is returned so the initiator repairs itself.
func (r *Router) recoverResponder(ctx context.Context, msg protocol.Message, lease *lock.Lease, p protocol.Params, cause error) (protocol.Message, *engine.Result, error) {
	out, err := r.syncUnder(ctx, lease, msg.From, p.Multisig())
	if err != nil {
		return protocol.Message{}, nil, &syncFailure{err: err}
	}
	if !out.Merged {
		return protocol.Message{}, nil, cause
	}
	reply, res, err := r.engine.Respond(ctx, msg)
	if err != nil {
		if protocol.IsDivergence(err) {
			return protocol.Message{}, nil, unresolvable(err)
		}
		return protocol.Message{}, nil, &syncFailure{err: err}
	}
	return reply, res, nil
}

// cleanupProposal removes any proposal record left behind for an installed
// app. A missing proposal is the normal case.
func (r *Router) cleanupProposal(ctx context.Context, multisig, identityHash string) {
	proposal, err := r.store.GetAppProposal(ctx, identityHash)
	if err != nil || proposal == nil {
		return
	}
	_, err = r.store.UpdateChannel(ctx, multisig, func(ch *channel.Channel) error {
		return ch.RemoveProposal(identityHash)
	})
	if err != nil && !errors.Is(err, channel.ErrProposalNotFound) {
		r.logger.Warn().Err(err).Str("app", identityHash).Msg("proposal cleanup failed")
	}
}

// successEvent re-reads committed state to build the event for res.
func (r *Router) successEvent(ctx context.Context, res *engine.Result) (*event.Event, error) {
	from := res.Initiator
	var evt event.Event
	switch v := res.Params.(type) {
	case protocol.SetupParams:
		ch, err := r.committedChannel(ctx, v.MultisigAddress)
		if err != nil {
			return nil, err
		}
		evt = event.New(event.TypeCreateChannel, from, event.CreateChannelData{
			MultisigAddress:      ch.MultisigAddress,
			Owners:               ch.Owners,
			CounterpartyIdentity: from,
		})
	case protocol.ProposeParams:
		proposal, err := r.store.GetAppProposal(ctx, res.AppIdentityHash)
		if err != nil {
			return nil, err
		}
		if proposal == nil {
			ch, err := r.committedChannel(ctx, v.MultisigAddress)
			if err != nil {
				return nil, err
			}
			latest, ok := ch.MostRecentlyProposed()
			if !ok {
				return nil, channel.ErrProposalNotFound
			}
			proposal = &latest
		}
		evt = event.New(event.TypeProposeInstall, from, event.ProposeInstallData{
			Params:        v,
			AppInstanceID: proposal.IdentityHash,
		})
	case protocol.InstallParams:
		app, err := r.store.GetAppInstance(ctx, v.AppIdentityHash)
		if err != nil {
			return nil, err
		}
		if app == nil {
			ch, err := r.committedChannel(ctx, v.MultisigAddress)
			if err != nil {
				return nil, err
			}
			latest, ok := ch.MostRecentlyInstalled()
			if !ok {
				return nil, channel.ErrAppNotFound
			}
			app = &latest
		}
		evt = event.New(event.TypeInstall, from, event.InstallData{
			Params: event.InstallParams{AppInstanceID: app.IdentityHash},
		})
	case protocol.RejectInstallParams:
		evt = event.New(event.TypeRejectInstall, from, event.RejectInstallData{AppInstanceID: v.AppIdentityHash})
	case protocol.UninstallParams:
		evt = event.New(event.TypeUninstall, from, event.UninstallData{AppInstanceID: v.AppIdentityHash})
	case protocol.TakeActionParams:
		app, err := r.committedApp(ctx, v.AppIdentityHash)
		if err != nil {
			return nil, err
		}
		evt = event.New(event.TypeUpdateState, from, event.UpdateStateData{
			AppInstanceID: app.IdentityHash,
			NewState:      app.LatestState,
			Action:        v.Action,
		})
	case protocol.UpdateParams:
		app, err := r.committedApp(ctx, v.AppIdentityHash)
		if err != nil {
			return nil, err
		}
		evt = event.New(event.TypeUpdateState, from, event.UpdateStateData{
			AppInstanceID: app.IdentityHash,
			NewState:      app.LatestState,
		})
	case protocol.WithdrawParams:
		evt = event.New(event.TypeWithdrawalStarted, from, event.WithdrawalStartedData{
			Params: event.WithdrawalParams{
				MultisigAddress: v.MultisigAddress,
				TokenAddress:    v.AssetID,
				Recipient:       v.Recipient,
				Amount:          v.Amount,
			},
		})
	default:
		return nil, protocol.Errorf(protocol.KindUnknownProtocol, "no event for %s", res.Protocol)
	}
	evt = evt.WithProcess(res.ProcessID)
	return &evt, nil
}

func (r *Router) committedChannel(ctx context.Context, multisig string) (*channel.Channel, error) {
	ch, err := r.store.GetChannel(ctx, multisig)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, channel.ErrChannelNotFound
	}
	return ch, nil
}

func (r *Router) committedApp(ctx context.Context, identityHash string) (*channel.AppInstance, error) {
	app, err := r.store.GetAppInstance(ctx, identityHash)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, channel.ErrAppNotFound
	}
	return app, nil
}

func (r *Router) send(ctx context.Context, msg protocol.Message) {
	if err := r.exchange.Send(ctx, msg); err != nil {
		r.logger.Warn().Err(err).Str("process_id", msg.ProcessID).Str("to", msg.To).Msg("send failed")
	}
}
