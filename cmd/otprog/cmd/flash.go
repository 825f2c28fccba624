package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/programmer"
)

var (
	flashAddr   uint32
	flashLength int64
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Write an image into the configuration flash",
	Long: `Write an image into the SPI flash behind the FPGA. Every erase block is read
first and erased or written only when it differs. Images can be raw binaries,
gzip-compressed (.gz), Intel HEX (.hex, placed at its load address plus --addr)
or http:// URLs.

Examples:
  otprog flash blink.bit
  otprog flash --addr 0x200000 user.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

var flashReadCmd = &cobra.Command{
	Use:   "read <file>",
	Short: "Read the configuration flash into a file (- for stdout)",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlashRead,
}

var flashStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Identify the flash chip and show its status register",
	Args:  cobra.NoArgs,
	RunE:  runFlashStatus,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.AddCommand(flashReadCmd)
	flashCmd.AddCommand(flashStatusCmd)

	flashCmd.PersistentFlags().Var((*hexAddr)(&flashAddr), "addr", "flash address")
	flashReadCmd.Flags().Int64Var(&flashLength, "length", 0x1000, "number of bytes to read")
}

func runFlash(cmd *cobra.Command, args []string) error {
	return withProgrammer(func(ctx context.Context, p *programmer.Programmer) error {
		r, err := p.FlashImage(ctx, args[0], flashAddr)
		if r.Bytes > 0 {
			fmt.Println(r)
		}
		if err != nil {
			return err
		}
		fmt.Printf("flash 0x%06X-0x%06X written\n", r.Addr, int64(r.Addr)+r.Bytes)
		return nil
	})
}

func runFlashRead(cmd *cobra.Command, args []string) error {
	var w io.Writer = os.Stdout
	if args[0] != "-" {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return withProgrammer(func(ctx context.Context, p *programmer.Programmer) error {
		r, err := p.ReadFlash(w, flashAddr, flashLength)
		if err != nil {
			return err
		}
		if args[0] != "-" {
			fmt.Println(r)
		}
		return nil
	})
}

func runFlashStatus(cmd *cobra.Command, args []string) error {
	return withProgrammer(func(ctx context.Context, p *programmer.Programmer) error {
		info, err := p.FlashStatus()
		if err != nil {
			return err
		}
		name := info.Params.Name
		if name == "" {
			name = "unknown chip, default timings"
		}
		fmt.Printf("JEDEC ID: %s (%s)\n", info.ID, name)
		if size := info.ID.Size(); size > 0 {
			fmt.Printf("Size:     %d KiB\n", size>>10)
		}
		fmt.Printf("Status:   %s\n", info.Status)
		return nil
	})
}
