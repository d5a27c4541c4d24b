package model

// Status is a read-only measurement reported by the appliance.
type Status struct {
	Key          string `json:"key"`
	Value        any    `json:"value"`
	Name         string `json:"name,omitempty"`
	DisplayValue string `json:"displayvalue,omitempty"`
	Unit         string `json:"unit,omitempty"`
}

// StatusFromJSON builds a Status from the service's raw status shape.
func StatusFromJSON(data map[string]any) Status {
	return Status{
		Key:          stringField(data, "key"),
		Value:        data["value"],
		Name:         stringField(data, "name"),
		DisplayValue: stringField(data, "displayvalue"),
		Unit:         stringField(data, "unit"),
	}
}

// Well-known status/root keys referenced by the event-application algorithm.
const (
	KeyRootSelectedProgram             = "BSH.Common.Root.SelectedProgram"
	KeyRootActiveProgram               = "BSH.Common.Root.ActiveProgram"
	KeyStatusOperationState            = "BSH.Common.Status.OperationState"
	KeyStatusRemoteControlStartAllowed = "BSH.Common.Status.RemoteControlStartAllowed"
	KeyStatusRemoteControlActive       = "BSH.Common.Status.RemoteControlActive"
	KeyOptionProgramProgress           = "BSH.Common.Option.ProgramProgress"
	KeyOptionRemainingProgramTime      = "BSH.Common.Option.RemainingProgramTime"
	KeyEventProgramFinished            = "BSH.Common.Event.ProgramFinished"
)

// OperationState is the BSH-defined enum value for BSH.Common.Status.OperationState.
type OperationState string

const (
	OperationStateInactive       OperationState = "BSH.Common.EnumType.OperationState.Inactive"
	OperationStateReady          OperationState = "BSH.Common.EnumType.OperationState.Ready"
	OperationStateDelayedStart   OperationState = "BSH.Common.EnumType.OperationState.DelayedStart"
	OperationStateRun            OperationState = "BSH.Common.EnumType.OperationState.Run"
	OperationStatePause          OperationState = "BSH.Common.EnumType.OperationState.Pause"
	OperationStateActionRequired OperationState = "BSH.Common.EnumType.OperationState.ActionRequired"
	OperationStateFinished       OperationState = "BSH.Common.EnumType.OperationState.Finished"
	OperationStateError          OperationState = "BSH.Common.EnumType.OperationState.Error"
	OperationStateAborting       OperationState = "BSH.Common.EnumType.OperationState.Aborting"
)
