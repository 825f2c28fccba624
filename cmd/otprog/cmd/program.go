package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/programmer"
)

var programCmd = &cobra.Command{
	Use:   "program <bitstream>",
	Short: "Configure the FPGA from a bitstream",
	Long: `Upload a bitstream into the FPGA's configuration memory. The bitstream can be
a local file, a gzip-compressed file (.gz) or an http:// URL.

Examples:
  otprog program blink.bit
  otprog program http://192.168.4.2/blink.bit.gz`,
	Args: cobra.ExactArgs(1),
	RunE: runProgram,
}

var passthruCmd = &cobra.Command{
	Use:   "passthru [dir]",
	Short: "Load the passthru bitstream matching the FPGA's IDCODE",
	Long: `Read the IDCODE and configure the FPGA with passthruXXXXXXXX.bit.gz from dir
(the current directory by default).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPassthru,
}

func init() {
	rootCmd.AddCommand(programCmd)
	rootCmd.AddCommand(passthruCmd)
}

func printProgramReport(r programmer.Report, err error) error {
	if r.Bytes > 0 || r.Done {
		fmt.Println(r)
	}
	for _, c := range r.Checks {
		if !c.OK {
			fmt.Printf("check failed: %s\n", c)
		}
	}
	if err != nil {
		return err
	}
	fmt.Println("DONE")
	return nil
}

func runProgram(cmd *cobra.Command, args []string) error {
	return withProgrammer(func(ctx context.Context, p *programmer.Programmer) error {
		return printProgramReport(p.ProgramBitstream(ctx, args[0]))
	})
}

func runPassthru(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	return withProgrammer(func(ctx context.Context, p *programmer.Programmer) error {
		return printProgramReport(p.Passthru(ctx, dir))
	})
}
