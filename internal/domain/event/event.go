package event

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// Type is the externally visible event name.
type Type string

const (
	TypeProposeInstall    Type = "PROPOSE_INSTALL"
	TypeInstall           Type = "INSTALL"
	TypeRejectInstall     Type = "REJECT_INSTALL"
	TypeUninstall         Type = "UNINSTALL"
	TypeCreateChannel     Type = "CREATE_CHANNEL"
	TypeUpdateState       Type = "UPDATE_STATE"
	TypeWithdrawalStarted Type = "WITHDRAWAL_STARTED"
	TypeSync              Type = "SYNC"
	TypeSyncFailed        Type = "SYNC_FAILED"
	TypeProtocolFailed    Type = "PROTOCOL_FAILED"
)

// Event is one domain event raised by the protocol engine.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	From      string    `json:"from"`
	ProcessID string    `json:"processId,omitempty"`
	Data      any       `json:"data"`
	At        time.Time `json:"at"`
}

// New stamps an event with an id and time.
func New(t Type, from string, data any) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: t,
		From: from,
		Data: data,
		At:   time.Now().UTC(),
	}
}

// WithProcess tags the event with the protocol run that produced it.
func (e Event) WithProcess(processID string) Event {
	e.ProcessID = processID
	return e
}

type ProposeInstallData struct {
	Params        any    `json:"params"`
	AppInstanceID string `json:"appInstanceId"`
}

type InstallParams struct {
	AppInstanceID string `json:"appInstanceId"`
}

type InstallData struct {
	Params InstallParams `json:"params"`
}

type RejectInstallData struct {
	AppInstanceID string `json:"appInstanceId"`
}

type UninstallData struct {
	AppInstanceID string `json:"appInstanceId"`
}

type CreateChannelData struct {
	MultisigAddress      string   `json:"multisigAddress"`
	Owners               []string `json:"owners"`
	CounterpartyIdentity string   `json:"counterpartyIdentity"`
}

type UpdateStateData struct {
	AppInstanceID string          `json:"appInstanceId"`
	NewState      json.RawMessage `json:"newState"`
	Action        json.RawMessage `json:"action,omitempty"`
}

type WithdrawalParams struct {
	MultisigAddress string   `json:"multisigAddress"`
	TokenAddress    string   `json:"tokenAddress"`
	Recipient       string   `json:"recipient"`
	Amount          *big.Int `json:"amount"`
}

type WithdrawalStartedData struct {
	Params WithdrawalParams `json:"params"`
}

type SyncData struct {
	SyncedChannel *channel.Channel `json:"syncedChannel"`
}

type SyncFailedData struct {
	Error           string `json:"error"`
	MultisigAddress string `json:"multisigAddress,omitempty"`
}

// ProtocolFailedData reports a terminal failure of one protocol run.
type ProtocolFailedData struct {
	Protocol string `json:"protocol"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}
