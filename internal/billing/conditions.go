package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Condition restricts when a price rule applies. Conditions are decoded once
// when rules are loaded; a rule applies only when all its conditions match.
type Condition interface {
	Match(now time.Time) bool
	Type() string
}

// Condition type tags.
const (
	ConditionTimeWindow = "time_window"
	ConditionWeekday    = "weekday"
)

// TimeWindowCondition matches UTC hours in [FromHour, ToHour). A window with
// FromHour > ToHour wraps midnight.
type TimeWindowCondition struct {
	FromHour int `json:"from_hour"`
	ToHour   int `json:"to_hour"`
}

// Match implements Condition.
func (c TimeWindowCondition) Match(now time.Time) bool {
	h := now.UTC().Hour()
	if c.FromHour < c.ToHour {
		return h >= c.FromHour && h < c.ToHour
	}
	return h >= c.FromHour || h < c.ToHour
}

// Type implements Condition.
func (TimeWindowCondition) Type() string { return ConditionTimeWindow }

func (c TimeWindowCondition) validate() error {
	if c.FromHour < 0 || c.FromHour > 23 {
		return fmt.Errorf("time_window: from_hour %d out of range", c.FromHour)
	}
	if c.ToHour < 0 || c.ToHour > 24 {
		return fmt.Errorf("time_window: to_hour %d out of range", c.ToHour)
	}
	if c.FromHour == c.ToHour%24 {
		return fmt.Errorf("time_window: empty window")
	}
	return nil
}

// WeekdayCondition matches the listed UTC weekdays.
type WeekdayCondition struct {
	Days []time.Weekday `json:"days"`
}

// Match implements Condition.
func (c WeekdayCondition) Match(now time.Time) bool {
	day := now.UTC().Weekday()
	for _, d := range c.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Type implements Condition.
func (WeekdayCondition) Type() string { return ConditionWeekday }

func (c WeekdayCondition) validate() error {
	if len(c.Days) == 0 {
		return fmt.Errorf("weekday: no days")
	}
	for _, d := range c.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("weekday: day %d out of range", d)
		}
	}
	return nil
}

// DecodeConditions parses the JSON array stored on a price rule.
func DecodeConditions(raw []byte) ([]Condition, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "[]" || trimmed == "{}" {
		return nil, nil
	}
	var items []json.RawMessage
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &items); errUnmarshal != nil {
		return nil, fmt.Errorf("conditions: %w", errUnmarshal)
	}
	out := make([]Condition, 0, len(items))
	for i, item := range items {
		var head struct {
			Type string `json:"type"`
		}
		if errUnmarshal := json.Unmarshal(item, &head); errUnmarshal != nil {
			return nil, fmt.Errorf("conditions[%d]: %w", i, errUnmarshal)
		}
		switch strings.TrimSpace(head.Type) {
		case ConditionTimeWindow:
			var c TimeWindowCondition
			if errUnmarshal := json.Unmarshal(item, &c); errUnmarshal != nil {
				return nil, fmt.Errorf("conditions[%d]: %w", i, errUnmarshal)
			}
			if errValidate := c.validate(); errValidate != nil {
				return nil, fmt.Errorf("conditions[%d]: %w", i, errValidate)
			}
			out = append(out, c)
		case ConditionWeekday:
			var c WeekdayCondition
			if errUnmarshal := json.Unmarshal(item, &c); errUnmarshal != nil {
				return nil, fmt.Errorf("conditions[%d]: %w", i, errUnmarshal)
			}
			if errValidate := c.validate(); errValidate != nil {
				return nil, fmt.Errorf("conditions[%d]: %w", i, errValidate)
			}
			out = append(out, c)
		default:
			return nil, fmt.Errorf("conditions[%d]: unknown type %q", i, head.Type)
		}
	}
	return out, nil
}

// EncodeConditions renders conditions in the stored JSON shape.
func EncodeConditions(conds []Condition) ([]byte, error) {
	if len(conds) == 0 {
		return []byte("[]"), nil
	}
	items := make([]map[string]any, 0, len(conds))
	for _, c := range conds {
		switch v := c.(type) {
		case TimeWindowCondition:
			items = append(items, map[string]any{"type": ConditionTimeWindow, "from_hour": v.FromHour, "to_hour": v.ToHour})
		case WeekdayCondition:
			items = append(items, map[string]any{"type": ConditionWeekday, "days": v.Days})
		default:
			return nil, fmt.Errorf("conditions: unsupported %T", c)
		}
	}
	return json.Marshal(items)
}

func matchAll(conds []Condition, now time.Time) bool {
	for _, c := range conds {
		if !c.Match(now) {
			return false
		}
	}
	return true
}
