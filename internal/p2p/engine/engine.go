package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// Apps evaluates installed app logic.
type Apps interface {
	ApplyAction(app channel.AppInstance, action json.RawMessage) (json.RawMessage, error)
	ComputeOutcome(app channel.AppInstance) (channel.Balances, error)
}

// WithdrawalSubmitter broadcasts a fully signed withdrawal on chain.
// Confirming settlement is the submitter's concern.
type WithdrawalSubmitter interface {
	SubmitWithdrawal(ctx context.Context, commitment protocol.WithdrawalCommitment, signatures []string) error
}

// Engine runs the initiator and responder sides of every channel protocol.
// Callers hold the protocol's leases for the whole run.
type Engine struct {
	store     channel.Store
	signer    protocol.Signer
	apps      Apps
	exchange  *exchange.Exchange
	submitter WithdrawalSubmitter
	logger    zerolog.Logger
}

func New(store channel.Store, signer protocol.Signer, apps Apps, x *exchange.Exchange, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		signer:   signer,
		apps:     apps,
		exchange: x,
		logger:   logger.With().Str("service", "engine").Logger(),
	}
}

// SetWithdrawalSubmitter wires the on-chain collaborator for Withdraw.
func (e *Engine) SetWithdrawalSubmitter(s WithdrawalSubmitter) {
	e.submitter = s
}

// Identity is the local owner identity.
func (e *Engine) Identity() string { return e.signer.Identity() }

// Result describes a completed protocol run.
type Result struct {
	ProcessID       string
	Protocol        protocol.Name
	Params          protocol.Params
	Initiator       string
	Counterparty    string
	Channel         *channel.Channel
	AppIdentityHash string
	Withdrawal      *protocol.WithdrawalCommitment
	Signatures      []string
	CompletedAt     time.Time
}

// transition is the agreed next state of one protocol run.
type transition struct {
	params protocol.Params
	// initiator and responder are set when the params name them; otherwise
	// either owner may open the run.
	initiator string
	responder string
	owners    []string
	digest    []byte
	appID     string
	// create is the channel Setup persists.
	create *channel.Channel
	// apply mutates a stored channel; nil when nothing is persisted.
	apply func(ch *channel.Channel) error
	// digestOf recomputes the commitment after apply.
	digestOf   func(ch *channel.Channel) ([]byte, error)
	withdrawal *protocol.WithdrawalCommitment
}

// Resolve fills the addresses needed to name a run's leases: the channel
// address of Setup and of app-scoped params given only an app hash.
func (e *Engine) Resolve(ctx context.Context, p protocol.Params) (protocol.Params, error) {
	switch v := p.(type) {
	case protocol.SetupParams:
		if v.Initiator == "" {
			v.Initiator = e.Identity()
		}
		if v.MultisigAddress == "" {
			addr, err := e.store.GetMultisigAddressForOwners(ctx, []string{v.Initiator, v.Responder}, true)
			if err != nil {
				return nil, protocol.Wrap(protocol.KindInvalidParams, err)
			}
			v.MultisigAddress = addr
		}
		return v, nil
	case protocol.InstallParams:
		addr, err := e.multisigForApp(ctx, v.MultisigAddress, v.AppIdentityHash)
		v.MultisigAddress = addr
		return v, err
	case protocol.RejectInstallParams:
		addr, err := e.multisigForApp(ctx, v.MultisigAddress, v.AppIdentityHash)
		v.MultisigAddress = addr
		return v, err
	case protocol.UninstallParams:
		addr, err := e.multisigForApp(ctx, v.MultisigAddress, v.AppIdentityHash)
		v.MultisigAddress = addr
		return v, err
	case protocol.TakeActionParams:
		addr, err := e.multisigForApp(ctx, v.MultisigAddress, v.AppIdentityHash)
		v.MultisigAddress = addr
		return v, err
	case protocol.UpdateParams:
		addr, err := e.multisigForApp(ctx, v.MultisigAddress, v.AppIdentityHash)
		v.MultisigAddress = addr
		return v, err
	default:
		return p, nil
	}
}

func (e *Engine) multisigForApp(ctx context.Context, multisig, identityHash string) (string, error) {
	if multisig != "" {
		return multisig, nil
	}
	ch, err := e.store.GetChannelByAppIdentityHash(ctx, identityHash)
	if err != nil {
		return "", err
	}
	if ch == nil {
		return "", fmt.Errorf("%w: %s", channel.ErrAppNotFound, identityHash)
	}
	return ch.MultisigAddress, nil
}

// Initiate runs the initiator side of p: it signs the next state, sends it
// to the counterparty, verifies the counter-signature and only then
// persists.
func (e *Engine) Initiate(ctx context.Context, p protocol.Params) (*Result, error) {
	prepared, err := e.Prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, prepared)
}

// Prepared is an initiator run with every derived field filled in.
type Prepared struct {
	Params       protocol.Params
	Counterparty string
}

// Prepare fills derived params from local state. Callers hold the leases.
func (e *Engine) Prepare(ctx context.Context, p protocol.Params) (Prepared, error) {
	p, counterparty, err := e.prepare(ctx, p)
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{Params: p, Counterparty: counterparty}, nil
}

// Run executes a prepared initiator run.
func (e *Engine) Run(ctx context.Context, prepared Prepared) (*Result, error) {
	p, counterparty := prepared.Params, prepared.Counterparty
	tr, err := e.plan(ctx, p)
	if err != nil {
		return nil, err
	}
	sig, err := e.signer.Sign(tr.digest)
	if err != nil {
		return nil, err
	}
	raw, err := protocol.EncodeParams(p)
	if err != nil {
		return nil, err
	}
	msg := protocol.Message{
		ProcessID:  uuid.NewString(),
		Protocol:   p.Protocol(),
		Seq:        protocol.FirstSeqNo,
		From:       e.Identity(),
		To:         counterparty,
		Params:     raw,
		Commitment: protocol.HexDigest(tr.digest),
		Signatures: []string{sig},
	}
	log := e.logger.With().
		Str("process_id", msg.ProcessID).
		Str("protocol", string(msg.Protocol)).
		Str("multisig", p.Multisig()).
		Logger()
	log.Debug().Str("to", counterparty).Msg("initiating protocol")

	reply, err := e.exchange.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.Err()
	}
	if reply.Commitment != msg.Commitment {
		return nil, protocol.Errorf(protocol.KindCommitmentMismatch, "counterparty signed %s, expected %s", reply.Commitment, msg.Commitment)
	}
	if len(reply.Signatures) == 0 {
		return nil, protocol.Errorf(protocol.KindSignatureInvalid, "reply carries no signature")
	}
	if err := protocol.Verify(counterparty, tr.digest, reply.Signatures[0]); err != nil {
		return nil, err
	}

	committed, err := e.commit(ctx, tr)
	if err != nil {
		return nil, err
	}
	res := &Result{
		ProcessID:       msg.ProcessID,
		Protocol:        msg.Protocol,
		Params:          p,
		Initiator:       e.Identity(),
		Counterparty:    counterparty,
		Channel:         committed,
		AppIdentityHash: tr.appID,
		Withdrawal:      tr.withdrawal,
		Signatures:      []string{sig, reply.Signatures[0]},
		CompletedAt:     time.Now().UTC(),
	}
	if tr.withdrawal != nil && e.submitter != nil {
		if err := e.submitter.SubmitWithdrawal(ctx, *tr.withdrawal, res.Signatures); err != nil {
			return nil, protocol.Wrap(protocol.KindTransport, fmt.Errorf("submit withdrawal: %w", err))
		}
	}
	log.Debug().Msg("protocol committed")
	return res, nil
}

// Respond runs the responder side for an opening message and returns the
// reply to send. On error nothing has been persisted.
func (e *Engine) Respond(ctx context.Context, msg protocol.Message) (protocol.Message, *Result, error) {
	if msg.Seq != protocol.FirstSeqNo {
		return protocol.Message{}, nil, protocol.Errorf(protocol.KindStaleVersionNumber, "unexpected seq %d for %s", msg.Seq, msg.Protocol)
	}
	p, err := msg.DecodedParams()
	if err != nil {
		return protocol.Message{}, nil, err
	}
	tr, err := e.plan(ctx, p)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	if !e.mayInitiate(tr, msg.From) {
		return protocol.Message{}, nil, protocol.Errorf(protocol.KindInvalidParams, "%s may not initiate %s with %s", msg.From, msg.Protocol, e.Identity())
	}
	if msg.Commitment != protocol.HexDigest(tr.digest) {
		return protocol.Message{}, nil, protocol.Errorf(protocol.KindCommitmentMismatch, "initiator signed %s, computed %s", msg.Commitment, protocol.HexDigest(tr.digest))
	}
	if len(msg.Signatures) == 0 {
		return protocol.Message{}, nil, protocol.Errorf(protocol.KindSignatureInvalid, "message carries no signature")
	}
	if err := protocol.Verify(msg.From, tr.digest, msg.Signatures[0]); err != nil {
		return protocol.Message{}, nil, err
	}
	sig, err := e.signer.Sign(tr.digest)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	committed, err := e.commit(ctx, tr)
	if err != nil {
		return protocol.Message{}, nil, err
	}

	reply := msg.Reply()
	reply.Commitment = protocol.HexDigest(tr.digest)
	reply.Signatures = []string{sig, msg.Signatures[0]}
	res := &Result{
		ProcessID:       msg.ProcessID,
		Protocol:        msg.Protocol,
		Params:          p,
		Initiator:       msg.From,
		Counterparty:    msg.From,
		Channel:         committed,
		AppIdentityHash: tr.appID,
		Withdrawal:      tr.withdrawal,
		Signatures:      []string{msg.Signatures[0], sig},
		CompletedAt:     time.Now().UTC(),
	}
	e.logger.Debug().
		Str("process_id", msg.ProcessID).
		Str("protocol", string(msg.Protocol)).
		Str("multisig", p.Multisig()).
		Str("from", msg.From).
		Msg("protocol committed as responder")
	return reply, res, nil
}

// ErrorReply builds the terminal reply reporting err for msg.
func ErrorReply(msg protocol.Message, err error) protocol.Message {
	reply := msg.Reply()
	reply.Error = protocol.ToWire(err)
	return reply
}

func (e *Engine) commit(ctx context.Context, tr *transition) (*channel.Channel, error) {
	if tr.create != nil {
		existing, err := e.store.GetChannel(ctx, tr.create.MultisigAddress)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, channel.ErrChannelExists
		}
		if err := e.store.SaveChannel(ctx, tr.create); err != nil {
			return nil, err
		}
		return tr.create.Clone(), nil
	}
	if tr.apply == nil {
		return e.store.GetChannel(ctx, tr.params.Multisig())
	}
	return e.store.UpdateChannel(ctx, tr.params.Multisig(), func(ch *channel.Channel) error {
		if err := tr.apply(ch); err != nil {
			return err
		}
		digest, err := tr.digestOf(ch)
		if err != nil {
			return err
		}
		if !bytes.Equal(digest, tr.digest) {
			return protocol.Errorf(protocol.KindCommitmentMismatch, "channel changed while %s was in flight", tr.params.Protocol())
		}
		return nil
	})
}

func (e *Engine) loadChannel(ctx context.Context, multisig string) (*channel.Channel, error) {
	ch, err := e.store.GetChannel(ctx, multisig)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", channel.ErrChannelNotFound, multisig)
	}
	return ch, nil
}

func loadApp(ch *channel.Channel, identityHash string) (channel.AppInstance, error) {
	app, ok := ch.AppInstances[identityHash]
	if !ok {
		return channel.AppInstance{}, fmt.Errorf("%w: %s", channel.ErrAppNotFound, identityHash)
	}
	return app, nil
}

func sameJSON(a, b json.RawMessage) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	ra, errA := json.Marshal(x)
	rb, errB := json.Marshal(y)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

var errSyncNotPlanned = errors.New("sync is reconciled, not planned")
