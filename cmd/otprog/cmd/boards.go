package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/board"
)

var boardsCmd = &cobra.Command{
	Use:   "boards [library.sexp...]",
	Short: "List board profiles",
	Long: `List the built-in board profiles, or check and show profile library
files. A library holds one or more board forms:

  (board ulx3s
    (adapter gpio)
    (family ecp5)
    (pins (tck GPIO18) (tms GPIO21) (tdi GPIO23) (tdo GPIO19))
    (spi (port SPI0.0) (hz 20000000)))`,
	RunE: runBoards,
}

func init() {
	rootCmd.AddCommand(boardsCmd)
}

func runBoards(cmd *cobra.Command, args []string) error {
	var profiles []board.Profile
	if len(args) == 0 {
		for _, name := range board.Names() {
			p, err := board.Lookup(name)
			if err != nil {
				return err
			}
			profiles = append(profiles, p)
		}
	}
	for _, path := range args {
		ps, err := board.LoadLibrary(path)
		if err != nil {
			return err
		}
		profiles = append(profiles, ps...)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADAPTER\tFAMILY\tTCK\tTMS\tTDI\tTDO\tSPI")
	for _, p := range profiles {
		fam := p.Family
		if fam == "" {
			fam = "(idcode)"
		}
		spi := "-"
		if p.SPI.Port != "" {
			spi = fmt.Sprintf("%s@%dHz", p.SPI.Port, p.SPI.Hz)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", p.Name, p.Adapter, fam,
			dash(p.Pins.TCK), dash(p.Pins.TMS), dash(p.Pins.TDI), dash(p.Pins.TDO), spi)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
