package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tensorforge/forge/internal/daemon"
	"github.com/tensorforge/forge/internal/domain"
)

func init() {
	modelsLoadCmd.Flags().StringVar(&modelsLoadQuant, "quant", "", "quantization label (defaults to \"default\")")
	modelsLoadCmd.Flags().StringVar(&modelsLoadRole, "role", "text", "model role: text, vision, or diffusion")

	modelsCmd.AddCommand(modelsListCmd, modelsLoadCmd, modelsSwitchCmd, modelsUnloadCmd)
	rootCmd.AddCommand(modelsCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage loaded models",
}

var modelsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List loaded models, marking the active one",
	RunE:    runModelsList,
}

func runModelsList(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	handles := d.Models.List()
	if len(handles) == 0 {
		fmt.Println("No models loaded. Run 'forge models load <id> <path>' to get started.")
		return nil
	}

	active, hasActive := d.Models.Active()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tTIER\tCONTEXT\tLOADED\tACTIVE")
	for _, m := range handles {
		mark := ""
		if hasActive && active.ID == m.ID {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Role, m.Tier, m.Arch.MaxContext,
			m.LoadedAt.Format("2006-01-02 15:04"), mark)
	}
	return w.Flush()
}

var (
	modelsLoadQuant string
	modelsLoadRole  string
)

var modelsLoadCmd = &cobra.Command{
	Use:   "load ID SOURCE_PATH",
	Short: "Load a model from a quantized source file, building its workspace on first load",
	Args:  cobra.ExactArgs(2),
	RunE:  runModelsLoad,
}

func runModelsLoad(cmd *cobra.Command, args []string) error {
	id, sourcePath := args[0], args[1]

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	opts := domain.LoadOptions{QuantLabel: modelsLoadQuant, Role: parseRole(modelsLoadRole)}

	handle, err := d.Models.Load(context.Background(), id, sourcePath, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Loaded %s (%s, %d layers, context %d) on %s\n",
		handle.ID, handle.Role, handle.Arch.Layers, handle.Arch.MaxContext, handle.Tier)
	return nil
}

func parseRole(s string) domain.ModelRole {
	switch s {
	case "vision":
		return domain.RoleVision
	case "diffusion":
		return domain.RoleDiffusion
	default:
		return domain.RoleText
	}
}

var modelsSwitchCmd = &cobra.Command{
	Use:   "switch ID",
	Short: "Point the active model handle at an already-loaded model",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsSwitch,
}

func runModelsSwitch(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	result, err := d.Models.Switch(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Switched %s -> %s in %s\n", result.Previous, result.Active, result.Elapsed)
	return nil
}

var modelsUnloadCmd = &cobra.Command{
	Use:   "unload ID",
	Short: "Unload a model, deferring if requests are in flight",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsUnload,
}

func runModelsUnload(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Models.Unload(args[0]); err != nil {
		return err
	}

	fmt.Printf("Unloaded %s\n", args[0])
	return nil
}
