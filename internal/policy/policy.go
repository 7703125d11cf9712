package policy

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"
)

// Cadence is what the poller does next after a non-terminal reply.
type Cadence string

const (
	// CadenceRecheck schedules a delayed remote status check.
	CadenceRecheck Cadence = "recheck"
	// CadenceReplay re-evaluates the last status after the delay without a remote call.
	CadenceReplay Cadence = "replay"
	// CadenceHold clears the transaction data and waits for the caller.
	CadenceHold Cadence = "hold"
)

// Reason is the kind of non-terminal reply being paced.
type Reason string

const (
	ReasonNetworkError Reason = "network_error"
	ReasonPending      Reason = "pending"
)

// PolicyRule maps a boolean expression over the cadence variables to a cadence.
// Variables: reason (string), foreground (bool), screenOn (bool).
type PolicyRule struct {
	ID         string  `yaml:"id"`
	Expression string  `yaml:"expression"`
	Priority   int     `yaml:"priority"`
	Cadence    Cadence `yaml:"cadence"`
}

// CadenceInput is the evaluation environment.
type CadenceInput struct {
	Reason     Reason
	Foreground bool
	ScreenOn   bool
}

// PolicyDecision is the outcome of a cadence evaluation.
type PolicyDecision struct {
	Cadence Cadence
	RuleID  string
}

// DefaultRuleID names the decision taken when no rule matches.
const DefaultRuleID = "default_hold"

// DefaultRules reproduce the original poll pacing: a network error keeps polling only
// while the app is backgrounded or the screen is off, and a pending payment is
// re-checked remotely only while backgrounded with the screen on.
func DefaultRules() []PolicyRule {
	return []PolicyRule{
		{ID: "network_background_recheck", Priority: 1, Cadence: CadenceRecheck,
			Expression: "reason == 'network_error' && (!foreground || !screenOn)"},
		{ID: "network_foreground_hold", Priority: 2, Cadence: CadenceHold,
			Expression: "reason == 'network_error'"},
		{ID: "pending_background_recheck", Priority: 3, Cadence: CadenceRecheck,
			Expression: "reason == 'pending' && !foreground && screenOn"},
		{ID: "pending_replay", Priority: 4, Cadence: CadenceReplay,
			Expression: "reason == 'pending'"},
	}
}

type compiledRule struct {
	PolicyRule
	expr *govaluate.EvaluableExpression
}

// PaymentPolicyEnforcer evaluates cadence rules in priority order.
type PaymentPolicyEnforcer struct {
	rules []compiledRule
}

// NewPaymentPolicyEnforcer compiles rules. Nil or empty rules load DefaultRules.
func NewPaymentPolicyEnforcer(rules []PolicyRule) (*PaymentPolicyEnforcer, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		switch r.Cadence {
		case CadenceRecheck, CadenceReplay, CadenceHold:
		default:
			return nil, fmt.Errorf("policy rule ID '%s' has unknown cadence %q", r.ID, r.Cadence)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{PolicyRule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})
	return &PaymentPolicyEnforcer{rules: compiled}, nil
}

// Evaluate returns the cadence of the first matching rule, or hold when none match.
func (ppe *PaymentPolicyEnforcer) Evaluate(in CadenceInput) (PolicyDecision, error) {
	params := map[string]interface{}{
		"reason":     string(in.Reason),
		"foreground": in.Foreground,
		"screenOn":   in.ScreenOn,
	}
	for _, r := range ppe.rules {
		result, err := r.expr.Evaluate(params)
		if err != nil {
			return PolicyDecision{Cadence: CadenceHold, RuleID: r.ID},
				fmt.Errorf("error evaluating rule ID '%s': %w", r.ID, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return PolicyDecision{Cadence: CadenceHold, RuleID: r.ID},
				fmt.Errorf("rule ID '%s' did not evaluate to a boolean (got %T)", r.ID, result)
		}
		if matched {
			return PolicyDecision{Cadence: r.Cadence, RuleID: r.ID}, nil
		}
	}
	return PolicyDecision{Cadence: CadenceHold, RuleID: DefaultRuleID}, nil
}
