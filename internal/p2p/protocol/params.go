package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// Params is the closed set of protocol parameter records. Only types in
// this package implement it.
type Params interface {
	Protocol() Name
	Multisig() string
	Validate() error
	sealed()
}

// AppScoped is implemented by params that target one app instance.
type AppScoped interface {
	Params
	AppID() string
}

type SetupParams struct {
	MultisigAddress string           `json:"multisig_address"`
	Initiator       string           `json:"initiator"`
	Responder       string           `json:"responder"`
	InitialBalances channel.Balances `json:"initial_balances,omitempty"`
}

type ProposeParams struct {
	MultisigAddress         string          `json:"multisig_address"`
	Initiator               string          `json:"initiator"`
	Responder               string          `json:"responder"`
	AppDefinition           string          `json:"app_definition"`
	InitialState            json.RawMessage `json:"initial_state"`
	Timeout                 int64           `json:"timeout"`
	AppSeqNo                int64           `json:"app_seq_no"`
	InitiatorDeposit        *big.Int        `json:"initiator_deposit,omitempty"`
	InitiatorDepositAssetID string          `json:"initiator_deposit_asset_id,omitempty"`
	ResponderDeposit        *big.Int        `json:"responder_deposit,omitempty"`
	ResponderDepositAssetID string          `json:"responder_deposit_asset_id,omitempty"`
	Meta                    json.RawMessage `json:"meta,omitempty"`
}

type InstallParams struct {
	MultisigAddress string `json:"multisig_address"`
	AppIdentityHash string `json:"app_identity_hash"`
}

type RejectInstallParams struct {
	MultisigAddress string `json:"multisig_address"`
	AppIdentityHash string `json:"app_identity_hash"`
}

type UninstallParams struct {
	MultisigAddress string `json:"multisig_address"`
	AppIdentityHash string `json:"app_identity_hash"`
	// AppVersionNumber is the app version the initiator settles against.
	AppVersionNumber int64 `json:"app_version_number"`
}

type TakeActionParams struct {
	MultisigAddress string          `json:"multisig_address"`
	AppIdentityHash string          `json:"app_identity_hash"`
	Action          json.RawMessage `json:"action"`
	VersionNumber   int64           `json:"version_number"`
	NewState        json.RawMessage `json:"new_state,omitempty"`
}

type UpdateParams struct {
	MultisigAddress string          `json:"multisig_address"`
	AppIdentityHash string          `json:"app_identity_hash"`
	NewState        json.RawMessage `json:"new_state"`
	VersionNumber   int64           `json:"version_number"`
}

type WithdrawParams struct {
	MultisigAddress string   `json:"multisig_address"`
	Initiator       string   `json:"initiator"`
	AssetID         string   `json:"asset_id"`
	Recipient       string   `json:"recipient"`
	Amount          *big.Int `json:"amount"`
	Nonce           string   `json:"nonce"`
}

type SyncParams struct {
	MultisigAddress string          `json:"multisig_address"`
	Summary         channel.Summary `json:"summary"`
}

func (SetupParams) Protocol() Name         { return Setup }
func (ProposeParams) Protocol() Name       { return Propose }
func (InstallParams) Protocol() Name       { return Install }
func (RejectInstallParams) Protocol() Name { return RejectInstall }
func (UninstallParams) Protocol() Name     { return Uninstall }
func (TakeActionParams) Protocol() Name    { return TakeAction }
func (UpdateParams) Protocol() Name        { return Update }
func (WithdrawParams) Protocol() Name      { return Withdraw }
func (SyncParams) Protocol() Name          { return Sync }

func (p SetupParams) Multisig() string         { return p.MultisigAddress }
func (p ProposeParams) Multisig() string       { return p.MultisigAddress }
func (p InstallParams) Multisig() string       { return p.MultisigAddress }
func (p RejectInstallParams) Multisig() string { return p.MultisigAddress }
func (p UninstallParams) Multisig() string     { return p.MultisigAddress }
func (p TakeActionParams) Multisig() string    { return p.MultisigAddress }
func (p UpdateParams) Multisig() string        { return p.MultisigAddress }
func (p WithdrawParams) Multisig() string      { return p.MultisigAddress }
func (p SyncParams) Multisig() string          { return p.MultisigAddress }

func (p InstallParams) AppID() string       { return p.AppIdentityHash }
func (p RejectInstallParams) AppID() string { return p.AppIdentityHash }
func (p UninstallParams) AppID() string     { return p.AppIdentityHash }
func (p TakeActionParams) AppID() string    { return p.AppIdentityHash }
func (p UpdateParams) AppID() string        { return p.AppIdentityHash }

func (SetupParams) sealed()         {}
func (ProposeParams) sealed()       {}
func (InstallParams) sealed()       {}
func (RejectInstallParams) sealed() {}
func (UninstallParams) sealed()     {}
func (TakeActionParams) sealed()    {}
func (UpdateParams) sealed()        {}
func (WithdrawParams) sealed()      {}
func (SyncParams) sealed()          {}

func (p SetupParams) Validate() error {
	if strings.TrimSpace(p.Initiator) == "" || strings.TrimSpace(p.Responder) == "" {
		return errors.New("initiator and responder are required")
	}
	if p.Initiator == p.Responder {
		return errors.New("initiator and responder must differ")
	}
	return requireMultisig(p.MultisigAddress)
}

func (p ProposeParams) Validate() error {
	if err := requireMultisig(p.MultisigAddress); err != nil {
		return err
	}
	if strings.TrimSpace(p.Initiator) == "" || strings.TrimSpace(p.Responder) == "" {
		return errors.New("initiator and responder are required")
	}
	if strings.TrimSpace(p.AppDefinition) == "" {
		return errors.New("app_definition is required")
	}
	if p.AppDefinition == channel.FreeBalanceAppDefinition {
		return errors.New("free balance cannot be proposed")
	}
	if len(p.InitialState) == 0 || !json.Valid(p.InitialState) {
		return errors.New("initial_state must be valid json")
	}
	if len(p.Meta) > 0 && !json.Valid(p.Meta) {
		return errors.New("meta must be valid json")
	}
	if p.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if p.InitiatorDeposit != nil && p.InitiatorDeposit.Sign() < 0 {
		return errors.New("initiator_deposit must not be negative")
	}
	if p.ResponderDeposit != nil && p.ResponderDeposit.Sign() < 0 {
		return errors.New("responder_deposit must not be negative")
	}
	return nil
}

func (p InstallParams) Validate() error {
	return requireApp(p.MultisigAddress, p.AppIdentityHash)
}

func (p RejectInstallParams) Validate() error {
	return requireApp(p.MultisigAddress, p.AppIdentityHash)
}

func (p UninstallParams) Validate() error {
	return requireApp(p.MultisigAddress, p.AppIdentityHash)
}

func (p TakeActionParams) Validate() error {
	if err := requireApp(p.MultisigAddress, p.AppIdentityHash); err != nil {
		return err
	}
	if len(p.Action) == 0 || !json.Valid(p.Action) {
		return errors.New("action must be valid json")
	}
	return nil
}

func (p UpdateParams) Validate() error {
	if err := requireApp(p.MultisigAddress, p.AppIdentityHash); err != nil {
		return err
	}
	if len(p.NewState) == 0 || !json.Valid(p.NewState) {
		return errors.New("new_state must be valid json")
	}
	return nil
}

func (p WithdrawParams) Validate() error {
	if err := requireMultisig(p.MultisigAddress); err != nil {
		return err
	}
	if strings.TrimSpace(p.Recipient) == "" {
		return errors.New("recipient is required")
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

func (p SyncParams) Validate() error {
	return requireMultisig(p.MultisigAddress)
}

func requireMultisig(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("multisig_address is required")
	}
	return nil
}

func requireApp(multisig, hash string) error {
	if err := requireMultisig(multisig); err != nil {
		return err
	}
	if strings.TrimSpace(hash) == "" {
		return errors.New("app_identity_hash is required")
	}
	return nil
}

// DecodeParams decodes and validates raw params for the named protocol.
func DecodeParams(name Name, raw json.RawMessage) (Params, error) {
	p, err := DecodeRequest(name, raw)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, Wrap(KindInvalidParams, err)
	}
	return p, nil
}

// DecodeRequest decodes params supplied by a local caller. Fields the
// initiator derives from its own state may still be empty, so validation is
// left to the run.
func DecodeRequest(name Name, raw json.RawMessage) (Params, error) {
	switch name {
	case Setup:
		return decodePayload[SetupParams](raw)
	case Propose:
		return decodePayload[ProposeParams](raw)
	case Install:
		return decodePayload[InstallParams](raw)
	case RejectInstall:
		return decodePayload[RejectInstallParams](raw)
	case Uninstall:
		return decodePayload[UninstallParams](raw)
	case TakeAction:
		return decodePayload[TakeActionParams](raw)
	case Update:
		return decodePayload[UpdateParams](raw)
	case Withdraw:
		return decodePayload[WithdrawParams](raw)
	case Sync:
		return decodePayload[SyncParams](raw)
	default:
		return nil, Errorf(KindUnknownProtocol, "unsupported protocol: %s", name)
	}
}

func decodePayload[T Params](raw json.RawMessage) (Params, error) {
	var out T
	if len(raw) == 0 {
		return nil, Errorf(KindInvalidParams, "params are required")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, Wrap(KindInvalidParams, fmt.Errorf("decode %s params: %w", out.Protocol(), err))
	}
	return out, nil
}

// EncodeParams marshals params for the wire.
func EncodeParams(p Params) (json.RawMessage, error) {
	return json.Marshal(p)
}
