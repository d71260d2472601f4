package apps

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// ExpressionApp is app logic written as govaluate expressions over the
// flattened state and action, e.g. "[state.count] + [action.increment]".
type ExpressionApp struct {
	// Guard must evaluate to true for an action to be accepted. Empty allows
	// every action.
	Guard string `yaml:"guard"`
	// Updates maps top-level state keys to the expression producing their
	// next value.
	Updates map[string]string `yaml:"updates"`
	// OutcomeExpr evaluates to the initiator's share of the combined
	// deposit. The responder receives the rest. Empty refunds both deposits.
	OutcomeExpr string `yaml:"outcome"`
}

// Counter is a small app used by operators to exercise channels end to end.
func Counter() ExpressionApp {
	return ExpressionApp{
		Guard:   "[action.increment] > 0",
		Updates: map[string]string{"count": "[state.count] + [action.increment]"},
	}
}

func (a ExpressionApp) ApplyAction(state, action json.RawMessage) (json.RawMessage, error) {
	current := map[string]interface{}{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &current); err != nil {
			return nil, fmt.Errorf("state is not an object: %w", err)
		}
	}
	params := buildParams(state, action)

	ok, err := evaluateBool(a.Guard, params)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("action rejected by guard")
	}
	// every update reads the pre-action state
	next := make(map[string]interface{}, len(current))
	for k, v := range current {
		next[k] = v
	}
	for key, expression := range a.Updates {
		v, err := evaluate(expression, params)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", key, err)
		}
		next[key] = v
	}
	return json.Marshal(next)
}

func (a ExpressionApp) Outcome(app channel.AppInstance) (channel.Balances, error) {
	if strings.TrimSpace(a.OutcomeExpr) == "" {
		return Refund(app), nil
	}
	initDeposit := depositOrZero(app.InitiatorDeposit)
	respDeposit := depositOrZero(app.ResponderDeposit)
	asset := app.InitiatorDepositAssetID
	if initDeposit.Sign() == 0 {
		asset = app.ResponderDepositAssetID
	} else if respDeposit.Sign() > 0 && app.ResponderDepositAssetID != asset {
		return nil, errors.New("outcome expressions need both deposits in one asset")
	}
	total := new(big.Int).Add(initDeposit, respDeposit)

	v, err := evaluate(a.OutcomeExpr, buildParams(app.LatestState, nil))
	if err != nil {
		return nil, err
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("outcome %v is not a whole amount", v)
	}
	share, _ := big.NewFloat(f).Int(nil)
	if share.Sign() < 0 || share.Cmp(total) > 0 {
		return nil, fmt.Errorf("outcome %s outside the locked %s", share, total)
	}
	out := channel.Balances{}
	out.Add(asset, app.Initiator, share)
	out.Add(asset, app.Responder, new(big.Int).Sub(total, share))
	return out, nil
}

func evaluateBool(expression string, params map[string]interface{}) (bool, error) {
	cond := strings.TrimSpace(expression)
	switch strings.ToLower(cond) {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	v, err := evaluate(cond, params)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.New("guard did not evaluate to boolean")
	}
	return b, nil
}

func evaluate(expression string, params map[string]interface{}) (interface{}, error) {
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, err
	}
	return expr.Evaluate(params)
}

func buildParams(state, action json.RawMessage) map[string]interface{} {
	params := map[string]interface{}{}
	for prefix, raw := range map[string]json.RawMessage{"state": state, "action": action} {
		if len(raw) == 0 {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			continue
		}
		if m, ok := decoded.(map[string]interface{}); ok {
			flatten(prefix, m, params)
			continue
		}
		params[prefix] = decoded
	}
	return params
}

func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := prefix + "." + k
		switch vv := v.(type) {
		case map[string]interface{}:
			flatten(key, vv, out)
		default:
			out[key] = vv
		}
	}
}
