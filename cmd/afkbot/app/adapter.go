package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clharman/afkbot/internal/config"
)

var adapterCmd = &cobra.Command{
	Use:   "adapter <name> <setup|run>",
	Short: "Configure or run a chat adapter",
	Long: `'setup' records the adapter in the workstation config so 'afkbot
serve' binds it. 'run' starts a session manager with only that adapter
attached, which is handy for trying an adapter without touching the
config.`,
	Args: cobra.ExactArgs(2),
	RunE: adapterCmdFunc,
}

func adapterCmdFunc(cmd *cobra.Command, args []string) error {
	name, action := args[0], args[1]

	ws, err := config.LoadWorkstation(configPath)
	if err != nil {
		return err
	}
	if name != "console" {
		return fmt.Errorf("unknown adapter %q (available: console)", name)
	}

	switch action {
	case "setup":
		if ws.Adapters == nil {
			ws.Adapters = make(map[string]map[string]string)
		}
		if _, ok := ws.Adapters[name]; !ok {
			ws.Adapters[name] = make(map[string]string)
		}
		if err := config.SaveWorkstation(configPath, ws); err != nil {
			return err
		}
		fmt.Printf("Adapter %q enabled; 'afkbot serve' will bind it to local sessions.\n", name)
		return nil
	case "run":
		return runServe(ws, name)
	default:
		return fmt.Errorf("unknown action %q (want setup or run)", action)
	}
}
