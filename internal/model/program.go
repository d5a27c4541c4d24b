package model

// Program is a named operation an appliance can perform, identified by key,
// holding a map of Options keyed by option key.
type Program struct {
	Key       string            `json:"key"`
	Name      string            `json:"name,omitempty"`
	Options   map[string]Option `json:"options,omitempty"`
	Execution Execution         `json:"execution,omitempty"`
	// Active is a transient flag; it is not persisted by the service and is
	// only meaningful for the program referenced by Appliance.ActiveProgram.
	Active bool `json:"active,omitempty"`
}

// ProgramFromJSON builds a Program from the service's raw program shape
// (used both for catalog entries and for the singleton selected/active
// program representations, which share the same fields).
func ProgramFromJSON(data map[string]any) Program {
	p := Program{
		Key:  stringField(data, "key"),
		Name: stringField(data, "name"),
	}
	if constraints, ok := data["constraints"].(map[string]any); ok {
		if exec, ok := constraints["execution"].(string); ok {
			p.Execution = Execution(exec)
		}
	}
	if rawOpts, ok := data["options"].([]any); ok {
		p.Options = optionListToMap(rawOpts)
	}
	return p
}

func optionListToMap(raw []any) map[string]Option {
	out := make(map[string]Option, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			o := OptionFromJSON(m)
			out[o.Key] = o
		}
	}
	return out
}

// IsStartOnly reports whether the given option key belongs to a
// startonly-execution option of this program.
func (p Program) IsStartOnly(key string) bool {
	if p.Options == nil {
		return false
	}
	opt, ok := p.Options[key]
	return ok && opt.Execution == ExecutionStartOnly
}
