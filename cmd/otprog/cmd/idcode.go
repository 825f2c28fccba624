package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/idcode"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/programmer"
)

var idcodeCmd = &cobra.Command{
	Use:   "idcode",
	Short: "Read and decode the FPGA's IDCODE",
	Long: `Reset the TAP, read the IDCODE register and look it up in the device
database. Without --family the family is identified from the same IDCODE.`,
	Args: cobra.NoArgs,
	RunE: runIDCode,
}

func init() {
	rootCmd.AddCommand(idcodeCmd)
}

func runIDCode(cmd *cobra.Command, args []string) error {
	return withProgrammer(func(ctx context.Context, p *programmer.Programmer) error {
		raw, info, err := p.ReadIDCode()
		if err != nil {
			return err
		}
		id := idcode.IDCode(raw)
		fmt.Printf("IDCODE:       0x%08X\n", raw)
		fmt.Printf("Manufacturer: %s (0x%03X)\n", info.Manufacturer.Name, id.Manufacturer())
		fmt.Printf("Part:         0x%04X version %d\n", id.Part(), id.Version())
		if info.Known() {
			fmt.Printf("Device:       %s\n", info.Name)
			fmt.Printf("Family:       %s\n", info.Family)
			fmt.Printf("IR Length:    %d bits\n", info.IRLength)
			fmt.Printf("Flash Bridge: %v\n", info.HasFlashBridge)
		} else {
			fmt.Printf("Device:       %s (%s)\n", info.Name, info.Description)
		}
		return nil
	})
}
