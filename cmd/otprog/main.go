// Command otprog programs FPGAs and their configuration flash over JTAG.
package main

import "github.com/OpenTraceLab/OpenTraceProg/cmd/otprog/cmd"

func main() {
	cmd.Execute()
}
