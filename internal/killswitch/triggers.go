package killswitch

import (
	"fmt"

	"risk-gate/internal/events"
)

// EvaluateTriggerCondition reports whether a risk event satisfies a
// trigger condition. Pure function; thresholds are strict so an event
// exactly at the configured value does not fire.
func EvaluateTriggerCondition(condition TriggerCondition, event events.RiskEvent) bool {
	switch condition.Type {
	case ConditionRapidLoss:
		return event.EventType == events.RiskEventRapidLoss &&
			event.LossPercent.GreaterThan(condition.LossPercent)
	case ConditionErrorRate:
		return event.EventType == events.RiskEventErrorRate &&
			event.ErrorRate.GreaterThan(condition.ErrorPercent)
	case ConditionSystemError:
		if event.EventType != events.RiskEventSystemError {
			return false
		}
		for _, errorType := range condition.ErrorTypes {
			if event.ErrorType == errorType {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// triggerReason renders the activation reason recorded when a trigger
// fires, naming the rule and the observation that tripped it.
func triggerReason(trigger AutoKillTrigger, event events.RiskEvent) string {
	name := trigger.Name
	if name == "" {
		name = trigger.TriggerID
	}
	switch trigger.Condition.Type {
	case ConditionRapidLoss:
		return fmt.Sprintf("Auto trigger %s: loss %s%% exceeded threshold %s%%",
			name, event.LossPercent.String(), trigger.Condition.LossPercent.String())
	case ConditionErrorRate:
		return fmt.Sprintf("Auto trigger %s: error rate %s%% exceeded threshold %s%%",
			name, event.ErrorRate.String(), trigger.Condition.ErrorPercent.String())
	case ConditionSystemError:
		return fmt.Sprintf("Auto trigger %s: system error %s", name, event.ErrorType)
	default:
		return fmt.Sprintf("Auto trigger %s fired", name)
	}
}
