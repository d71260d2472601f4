package apps

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

var ErrUnknownApp = errors.New("app definition is not registered")

// Logic is the app-defined behaviour of one app definition.
type Logic interface {
	ApplyAction(state, action json.RawMessage) (json.RawMessage, error)
	// Outcome splits the app's locked deposits between the participants.
	Outcome(app channel.AppInstance) (channel.Balances, error)
}

// Registry resolves app definitions to their logic.
type Registry struct {
	mu    sync.RWMutex
	logic map[string]Logic
}

func NewRegistry() *Registry {
	return &Registry{logic: make(map[string]Logic)}
}

// Register binds definition to logic, replacing any earlier binding.
func (r *Registry) Register(definition string, logic Logic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logic[definition] = logic
}

// Definitions lists registered app definitions.
func (r *Registry) Definitions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.logic))
	for d := range r.logic {
		out = append(out, d)
	}
	return out
}

func (r *Registry) lookup(definition string) (Logic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logic[definition]
	return l, ok
}

// ApplyAction computes the state that follows app's latest state under action.
func (r *Registry) ApplyAction(app channel.AppInstance, action json.RawMessage) (json.RawMessage, error) {
	logic, ok := r.lookup(app.AppDefinition)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, app.AppDefinition)
	}
	return logic.ApplyAction(app.LatestState, action)
}

// ComputeOutcome returns what uninstalling app credits to the free
// balance. Apps without registered logic refund each deposit.
func (r *Registry) ComputeOutcome(app channel.AppInstance) (channel.Balances, error) {
	logic, ok := r.lookup(app.AppDefinition)
	if !ok {
		return Refund(app), nil
	}
	return logic.Outcome(app)
}

// Refund returns each participant's deposit.
func Refund(app channel.AppInstance) channel.Balances {
	out := channel.Balances{}
	if app.InitiatorDeposit != nil && app.InitiatorDeposit.Sign() > 0 {
		out.Add(app.InitiatorDepositAssetID, app.Initiator, app.InitiatorDeposit)
	}
	if app.ResponderDeposit != nil && app.ResponderDeposit.Sign() > 0 {
		out.Add(app.ResponderDepositAssetID, app.Responder, app.ResponderDeposit)
	}
	return out
}

func depositOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
