// Package model holds the value types mirrored from the Home Connect
// service: Option, Program, Status, Command, and Appliance. Types construct
// from the service's JSON shape and serialize back to JSON for snapshotting;
// collaborator references (coordinator, registry, transport) never appear
// here and are re-wired by the caller after a snapshot load.
package model

import "fmt"

// Execution describes when an Option may be supplied.
type Execution string

const (
	ExecutionStartOnly  Execution = "startonly"
	ExecutionSelectOnly Execution = "selectonly"
	ExecutionAuto       Execution = "auto"
)

// Access describes whether an Option/Setting can be written.
type Access string

const (
	AccessRead      Access = "read"
	AccessReadWrite Access = "readwrite"
)

// Option is a parameter of a program or a persistent setting.
type Option struct {
	Key          string      `json:"key"`
	Value        any         `json:"value"`
	Type         string      `json:"type,omitempty"`
	Name         string      `json:"name,omitempty"`
	Unit         string      `json:"unit,omitempty"`
	DisplayValue string      `json:"displayvalue,omitempty"`
	Min          *float64    `json:"min,omitempty"`
	Max          *float64    `json:"max,omitempty"`
	StepSize     *float64    `json:"stepsize,omitempty"`
	AllowedValues []string   `json:"allowedvalues,omitempty"`
	Execution    Execution   `json:"execution,omitempty"`
	LiveUpdate   bool        `json:"liveupdate,omitempty"`
	AccessMode   Access      `json:"access,omitempty"`
}

// AppliedOption is the normalized {key, value, unit} record sent on the wire.
type AppliedOption struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// OptionFromJSON builds an Option from the service's raw JSON shape, which
// nests numeric constraints and allowed values under "constraints".
func OptionFromJSON(data map[string]any) Option {
	opt := Option{
		Key:          stringField(data, "key"),
		Type:         stringField(data, "type"),
		Name:         stringField(data, "name"),
		Unit:         stringField(data, "unit"),
		DisplayValue: stringField(data, "displayvalue"),
		Value:        data["value"],
	}
	if exec, ok := data["execution"].(string); ok {
		opt.Execution = Execution(exec)
	}
	if access, ok := data["access"].(string); ok {
		opt.AccessMode = Access(access)
	}
	if lu, ok := data["liveupdate"].(bool); ok {
		opt.LiveUpdate = lu
	}
	if constraints, ok := data["constraints"].(map[string]any); ok {
		if v, ok := numberField(constraints, "min"); ok {
			opt.Min = &v
		}
		if v, ok := numberField(constraints, "max"); ok {
			opt.Max = &v
		}
		if v, ok := numberField(constraints, "stepsize"); ok {
			opt.StepSize = &v
		}
		if raw, ok := constraints["allowedvalues"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					opt.AllowedValues = append(opt.AllowedValues, s)
				}
			}
		}
	}
	return opt
}

// ValidateValue normalizes value against this option's constraints,
// returning the wire-ready AppliedOption or a *ValidationError.
func (o Option) ValidateValue(value any) (AppliedOption, error) {
	if len(o.AllowedValues) > 0 {
		s, ok := value.(string)
		found := false
		if ok {
			for _, allowed := range o.AllowedValues {
				if allowed == s {
					found = true
					break
				}
			}
		}
		if !found {
			return AppliedOption{}, &ValidationError{Key: o.Key, Value: value, Reason: "value not in allowedvalues"}
		}
	}

	if n, ok := toFloat(value); ok {
		if o.Min != nil && n < *o.Min {
			return AppliedOption{}, &ValidationError{Key: o.Key, Value: value, Reason: "value below min"}
		}
		if o.Max != nil && n > *o.Max {
			return AppliedOption{}, &ValidationError{Key: o.Key, Value: value, Reason: "value above max"}
		}
		if o.StepSize != nil && *o.StepSize != 0 {
			steps := (n - minOrZero(o.Min)) / *o.StepSize
			if steps != float64(int64(steps)) {
				return AppliedOption{}, &ValidationError{Key: o.Key, Value: value, Reason: "value not a multiple of stepsize"}
			}
		}
	}

	return AppliedOption{Key: o.Key, Value: value, Unit: o.Unit}, nil
}

func minOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// ValidationError reports an Option value that violates its constraints.
type ValidationError struct {
	Key    string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for option %s: %s (value=%v)", e.Key, e.Reason, e.Value)
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func numberField(data map[string]any, key string) (float64, bool) {
	return toFloat(data[key])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
