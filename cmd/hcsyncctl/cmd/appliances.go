package cmd

import (
	"context"
	"os"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"

	"github.com/mbrt/homeconnect-sync/pkg/homeconnect"
)

func newAppliancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "appliances",
		Short: "Load the appliance list once and print a summary table.",
		RunE: func(c *cobra.Command, args []string) error {
			return runAppliances(context.Background())
		},
	}
}

func runAppliances(ctx context.Context) error {
	cfg := loadConfig()
	auth := newStaticTokenAuth(flagToken)

	coord, err := homeconnect.Create(ctx, auth, cfg, homeconnect.RefreshDynamicOnly)
	if err != nil {
		return err
	}
	defer coord.Close()

	t := table.New(os.Stdout)
	t.SetHeaders("haId", "name", "type", "connected", "operation state")
	for _, eng := range coord.Appliances() {
		a := eng.Snapshot()
		t.AddRow(a.HaId, a.Name, a.Type, boolStr(a.Connected), string(a.OperationStateValue()))
	}
	t.Render()
	return nil
}

func boolStr(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
