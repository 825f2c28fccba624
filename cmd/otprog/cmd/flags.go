package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"
)

// hexAddr is a flash address flag. It accepts any Go integer literal and
// prints in hex.
type hexAddr uint32

var _ pflag.Value = (*hexAddr)(nil)

func (a *hexAddr) String() string { return fmt.Sprintf("0x%06X", uint32(*a)) }

func (a *hexAddr) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("bad address %q", s)
	}
	*a = hexAddr(v)
	return nil
}

func (a *hexAddr) Type() string { return "addr" }
