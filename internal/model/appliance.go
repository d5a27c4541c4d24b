package model

// Appliance is the pure-data snapshot of one paired appliance. It carries no
// collaborator references (transport, registry, coordinator) — those are
// owned by internal/appliance.Engine, which wraps an Appliance and re-wires
// its collaborators after a snapshot load.
type Appliance struct {
	HaId      string `json:"haId"`
	Name      string `json:"name"`
	Brand     string `json:"brand"`
	Type      string `json:"type"`
	VIB       string `json:"vib"`
	ENumber   string `json:"enumber"`
	URI       string `json:"uri"`
	Connected bool   `json:"connected"`

	AvailablePrograms map[string]Program `json:"available_programs,omitempty"`
	SelectedProgram   *Program            `json:"selected_program,omitempty"`
	ActiveProgram     *Program            `json:"active_program,omitempty"`
	Status            map[string]Status  `json:"status,omitempty"`
	Settings          map[string]Option  `json:"settings,omitempty"`
	Commands          map[string]Command `json:"commands,omitempty"`

	// StartOnlyOptions buffers options set via SetOption while their
	// execution mode is "startonly" — they cannot be PUT until the next
	// StartProgram call, per the data model's client-side buffer.
	StartOnlyOptions map[string]AppliedOption `json:"startonly_options,omitempty"`
}

// FromProperties builds an Appliance from the /api/homeappliances list (or
// single-resource GET) JSON shape.
func FromProperties(data map[string]any) *Appliance {
	haId := stringField(data, "haId")
	return &Appliance{
		HaId:      haId,
		Name:      stringField(data, "name"),
		Brand:     stringField(data, "brand"),
		Type:      stringField(data, "type"),
		VIB:       stringField(data, "vib"),
		ENumber:   stringField(data, "enumber"),
		URI:       "/api/homeappliances/" + haId,
		Connected: boolField(data, "connected"),
	}
}

func boolField(data map[string]any, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

// BaseEndpoint is the REST path prefix for this appliance's sub-resources.
func (a *Appliance) BaseEndpoint() string {
	return "/api/homeappliances/" + a.HaId
}

// OperationStateValue returns the current BSH.Common.Status.OperationState
// value, or "" if unknown.
func (a *Appliance) OperationStateValue() OperationState {
	if a.Status == nil {
		return ""
	}
	if s, ok := a.Status[KeyStatusOperationState]; ok {
		if v, ok := s.Value.(string); ok {
			return OperationState(v)
		}
	}
	return ""
}

// CatalogShallow reports whether the available-programs catalog is empty or
// unpopulated, per the data model invariant that an empty catalog can be
// legitimate (OperationState != Ready or RemoteControlActive == false) but
// must self-heal once both conditions clear.
func (a *Appliance) CatalogShallow() bool {
	return len(a.AvailablePrograms) == 0
}
