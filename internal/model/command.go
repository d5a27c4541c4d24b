package model

// Command is a transient verb the appliance exposes (pause/resume/etc.).
type Command struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

// CommandFromJSON builds a Command from the service's raw command shape.
func CommandFromJSON(data map[string]any) Command {
	return Command{
		Key:  stringField(data, "key"),
		Name: stringField(data, "name"),
	}
}

// Well-known command keys.
const (
	CommandPauseProgram  = "BSH.Common.Command.PauseProgram"
	CommandResumeProgram = "BSH.Common.Command.ResumeProgram"
)
