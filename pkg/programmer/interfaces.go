package programmer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/board"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/dfu"
)

// InterfaceKind categorizes what a USB device can be used as.
type InterfaceKind string

const (
	InterfaceKindCMSISDAP InterfaceKind = board.AdapterCMSISDAP
	InterfaceKindFTDI     InterfaceKind = board.AdapterFTDI
	InterfaceKindDFU      InterfaceKind = "dfu"
	InterfaceKindSim      InterfaceKind = board.AdapterSim
)

// InterfaceInfo describes a detected adapter.
type InterfaceInfo struct {
	Kind        InterfaceKind
	Description string
	VendorID    uint16
	ProductID   uint16
	Bus         int
	Address     int
}

// Label returns a user-friendly description for the interface.
func (i InterfaceInfo) Label() string {
	if i.Kind == InterfaceKindSim {
		return i.Description
	}
	return fmt.Sprintf("%s (%04x:%04x, bus %d address %d)", i.Description, i.VendorID, i.ProductID, i.Bus, i.Address)
}

// Adapter returns the --adapter value that drives the interface, or "" for
// devices that are programmed rather than programming.
func (i InterfaceInfo) Adapter() string {
	if i.Kind == InterfaceKindDFU {
		return ""
	}
	return string(i.Kind)
}

type usbID struct{ vid, pid gousb.ID }

type usbModel struct {
	kind InterfaceKind
	name string
}

var usbModels = map[usbID]usbModel{
	{0x2e8a, 0x000c}: {InterfaceKindCMSISDAP, "Raspberry Pi Debug Probe (CMSIS-DAP)"},
	{0x0d28, 0x0204}: {InterfaceKindCMSISDAP, "DAPLink CMSIS-DAP"},
	{0x1366, 0x0101}: {InterfaceKindCMSISDAP, "SEGGER J-Link CMSIS-DAP"},
	{0xc251, 0xf001}: {InterfaceKindCMSISDAP, "Keil ULINKplus CMSIS-DAP"},
	{0x0403, 0x6014}: {InterfaceKindFTDI, "FTDI FT232H"},
	{0x0403, 0x6010}: {InterfaceKindFTDI, "FTDI FT2232H"},
	{0x0403, 0x6011}: {InterfaceKindFTDI, "FTDI FT4232H"},

	{dfu.VendorID, dfu.ProductID}: {InterfaceKindDFU, "OpenTraceProg programmer (DFU)"},
}

// Classify matches a USB device descriptor against the known adapters.
func Classify(desc *gousb.DeviceDesc) (InterfaceInfo, bool) {
	m, ok := usbModels[usbID{desc.Vendor, desc.Product}]
	if !ok {
		return InterfaceInfo{}, false
	}
	return InterfaceInfo{
		Kind:        m.kind,
		Description: m.name,
		VendorID:    uint16(desc.Vendor),
		ProductID:   uint16(desc.Product),
		Bus:         desc.Bus,
		Address:     desc.Address,
	}, true
}

// DiscoverInterfaces enumerates connected USB adapters. The simulator is
// always listed last.
func DiscoverInterfaces(ctx context.Context) ([]InterfaceInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	var found []InterfaceInfo
	// The filter sees every descriptor; returning false opens nothing.
	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if ctx.Err() == nil {
			if info, ok := Classify(desc); ok {
				found = append(found, info)
			}
		}
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return found, err
	}
	if err := ctx.Err(); err != nil {
		return found, err
	}
	return append(found, InterfaceInfo{Kind: InterfaceKindSim, Description: "Simulator (no hardware)"}), nil
}
