package utils

// Warmup ramp: a warming account starts at 10 sends on day one and gains 10
// per day until it reaches its configured limit.
const (
	warmupBaseline  = 10
	warmupIncrement = 10
)

// PolicyDecision is the outcome of a can-send check for one account.
type PolicyDecision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// EffectiveDailyCap returns the warmup-adjusted daily limit.
func EffectiveDailyCap(dailyLimit int, warmupEnabled bool, warmupDay int) int {
	if !warmupEnabled {
		return dailyLimit
	}
	if warmupDay < 1 {
		warmupDay = 1
	}
	ramp := warmupBaseline + (warmupDay-1)*warmupIncrement
	if ramp < dailyLimit {
		return ramp
	}
	return dailyLimit
}

// EvaluateSendPolicy decides whether one more email may be sent from an
// account today. sentToday must include any sends counted in the current
// dispatch tick.
func EvaluateSendPolicy(dailyLimit, sentToday int, warmupEnabled bool, warmupDay int, active bool) PolicyDecision {
	if !active {
		return PolicyDecision{Allowed: false, Remaining: 0, Reason: "account not active"}
	}

	cap := EffectiveDailyCap(dailyLimit, warmupEnabled, warmupDay)
	remaining := cap - sentToday
	if remaining < 0 {
		remaining = 0
	}
	if remaining <= 0 {
		return PolicyDecision{Allowed: false, Remaining: 0, Reason: "daily limit reached"}
	}

	return PolicyDecision{Allowed: true, Remaining: remaining}
}
