package programmer

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/flash"
)

// Report summarizes one transfer.
type Report struct {
	Op      string
	Name    string
	Addr    uint32
	Bytes   int64
	Elapsed time.Duration
	// Done is the device's configuration outcome after a bitstream.
	Done   bool
	Checks []device.CheckResult
	Flash  *flash.Stats
}

// KBps is the transfer rate in kB/s, 0 when no time elapsed.
func (r Report) KBps() int64 {
	ms := r.Elapsed.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return r.Bytes / ms
}

func (r Report) String() string {
	s := fmt.Sprintf("%d bytes %s in %d ms (%d kB/s)", r.Bytes, verb(r.Op), r.Elapsed.Milliseconds(), r.KBps())
	if f := r.Flash; f != nil {
		s += fmt.Sprintf(", %d blocks: %d erased, %d pages written", f.Blocks, f.Erased, f.Written)
		if f.Retries > 0 {
			s += fmt.Sprintf(", %d retries", f.Retries)
		}
	}
	return s
}

func verb(op string) string {
	switch op {
	case "read":
		return "read"
	case "flash":
		return "flashed"
	}
	return "uploaded"
}

func (r Report) log() {
	glog.V(1).Infof("programmer: %s %s: %s", r.Op, r.Name, r)
	for _, c := range r.Checks {
		if !c.OK {
			glog.Warningf("programmer: %s: %s", r.Name, c)
		}
	}
}
