package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/programmer"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List available programming adapters",
	Long: `Scan the host for USB adapters (CMSIS-DAP probes, FTDI bridges) and for
programmers in DFU mode, and print a summary with the --adapter value to use.`,
	Args: cobra.NoArgs,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := programmer.DiscoverInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("discover interfaces: %w", err)
	}

	fmt.Println("Detected interfaces:")
	for _, iface := range infos {
		if a := iface.Adapter(); a != "" {
			fmt.Printf("  - %s [--adapter %s]\n", iface.Label(), a)
		} else {
			fmt.Printf("  - %s\n", iface.Label())
		}
	}
	return nil
}
