package cmsisdap

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/google/gousb"
)

// Transport exchanges one command packet for one response packet.
type Transport interface {
	Transact(cmd []byte) ([]byte, error)
	PacketSize() int
	Close() error
}

// USB is a CMSIS-DAP v2 bulk transport.
type USB struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	done  func()
	out   *gousb.OutEndpoint
	in    *gousb.InEndpoint
	psize int
}

// OpenUSB opens the probe with the given IDs. A zero vid matches any device
// whose product string contains "CMSIS-DAP".
func OpenUSB(vid, pid uint16) (*USB, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if vid != 0 {
			return uint16(desc.Vendor) == vid && uint16(desc.Product) == pid
		}
		return true
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil && (vid != 0 || isProbe(d)) {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		if err != nil {
			return nil, fmt.Errorf("cmsisdap: enumerate: %w", err)
		}
		return nil, fmt.Errorf("cmsisdap: no probe found (VID:0x%04X PID:0x%04X)", vid, pid)
	}
	dev.SetAutoDetach(true)

	u := &USB{ctx: ctx, dev: dev}
	if err := u.claim(); err != nil {
		u.Close()
		return nil, err
	}
	glog.V(1).Infof("cmsisdap: opened %s, packet size %d", dev, u.psize)
	return u, nil
}

func isProbe(d *gousb.Device) bool {
	p, err := d.Product()
	return err == nil && strings.Contains(p, "CMSIS-DAP")
}

// claim picks the vendor-class interface with a bulk endpoint pair.
func (u *USB) claim() error {
	num, err := u.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("cmsisdap: active config: %w", err)
	}
	cfgDesc, ok := u.dev.Desc.Configs[num]
	if !ok {
		return fmt.Errorf("cmsisdap: config %d missing", num)
	}
	for _, ifDesc := range cfgDesc.Interfaces {
		if len(ifDesc.AltSettings) == 0 {
			continue
		}
		alt := ifDesc.AltSettings[0]
		if alt.Class != gousb.ClassVendorSpec {
			continue
		}
		var outEP, inEP *gousb.EndpointDesc
		for _, ep := range alt.Endpoints {
			if ep.TransferType != gousb.TransferTypeBulk {
				continue
			}
			if ep.Direction == gousb.EndpointDirectionOut && outEP == nil {
				outEP = &ep
			} else if ep.Direction == gousb.EndpointDirectionIn && inEP == nil {
				inEP = &ep
			}
		}
		if outEP == nil || inEP == nil {
			continue
		}

		cfg, err := u.dev.Config(num)
		if err != nil {
			return fmt.Errorf("cmsisdap: config %d: %w", num, err)
		}
		intf, err := cfg.Interface(ifDesc.Number, 0)
		if err != nil {
			cfg.Close()
			return fmt.Errorf("cmsisdap: claim interface %d: %w", ifDesc.Number, err)
		}
		u.done = func() { intf.Close(); cfg.Close() }
		if u.out, err = intf.OutEndpoint(outEP.Number); err != nil {
			return fmt.Errorf("cmsisdap: OUT endpoint: %w", err)
		}
		if u.in, err = intf.InEndpoint(inEP.Number); err != nil {
			return fmt.Errorf("cmsisdap: IN endpoint: %w", err)
		}
		u.psize = inEP.MaxPacketSize
		return nil
	}
	return fmt.Errorf("cmsisdap: %s has no CMSIS-DAP v2 bulk interface", u.dev)
}

func (u *USB) PacketSize() int { return u.psize }

func (u *USB) Transact(cmd []byte) ([]byte, error) {
	if _, err := u.out.Write(cmd); err != nil {
		return nil, fmt.Errorf("cmsisdap: write: %w", err)
	}
	resp := make([]byte, u.psize)
	n, err := u.in.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("cmsisdap: read: %w", err)
	}
	return resp[:n], nil
}

func (u *USB) Close() error {
	if u.done != nil {
		u.done()
		u.done = nil
	}
	var err error
	if u.dev != nil {
		err = u.dev.Close()
		u.dev = nil
	}
	if u.ctx != nil {
		u.ctx.Close()
		u.ctx = nil
	}
	return err
}
