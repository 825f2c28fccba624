package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/board"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/programmer"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/sim"
)

var (
	// Global flags
	verbose   bool
	boardName string
	adapter   string
	family    string
	spiHz     int64

	// Test hooks: the simulated target and extra sequencer options.
	simTarget     *sim.Sim
	deviceOptions []device.Option
)

var rootCmd = &cobra.Command{
	Use:   "otprog",
	Short: "FPGA and configuration flash programmer",
	Long: `Program Lattice ECP5, Xilinx Artix-7 and Altera Cyclone V FPGAs over JTAG,
and write their SPI configuration flash through the JTAG flash bridge.

Examples:
  otprog idcode --board ulx3s                        # Identify the FPGA
  otprog program --board ulx3s blink.bit.gz          # Configure from a bitstream
  otprog flash --board ulx3s --addr 0x200000 app.bin # Write flash, erasing only what differs
  otprog flash read --length 0x1000 dump.bin         # Read flash back
  otprog program --adapter sim top.bit               # Try it without hardware`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return flag.Set("v", "1")
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}

func init() {
	flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output (same as -v=1)")
	rootCmd.PersistentFlags().StringVarP(&boardName, "board", "b", "sim",
		"board profile name or .sexp file")
	rootCmd.PersistentFlags().StringVarP(&adapter, "adapter", "a", "",
		"override the board's adapter (sim, gpio, ftdi, cmsis-dap)")
	rootCmd.PersistentFlags().StringVarP(&family, "family", "f", "",
		"device family (ecp5, artix7, cyclone5); identified by IDCODE when empty")
	rootCmd.PersistentFlags().Int64Var(&spiHz, "spi-hz", 0,
		"SPI clock for hardware-clocked transfers in Hz")
}

// openProgrammer resolves the board profile and the flag overrides.
func openProgrammer() (*programmer.Programmer, error) {
	var profile board.Profile
	var err error
	if strings.HasSuffix(boardName, ".sexp") {
		profile, err = board.Load(boardName)
	} else {
		profile, err = board.Lookup(boardName)
	}
	if err != nil {
		return nil, err
	}
	if adapter != "" {
		profile.Adapter = adapter
	}
	return programmer.Open(programmer.Config{
		Board:   profile,
		Family:  family,
		SPIHz:   spiHz,
		Sim:     simTarget,
		Options: deviceOptions,
	})
}

func withProgrammer(fn func(ctx context.Context, p *programmer.Programmer) error) error {
	p, err := openProgrammer()
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(context.Background(), p)
}
