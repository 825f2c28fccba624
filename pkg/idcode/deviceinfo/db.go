package deviceinfo

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/idcode"
)

var families = map[string]family{
	"ecp5":     ecp5,
	"artix7":   artix7,
	"cyclone5": cyclone5,
}

type partKey struct {
	manufacturer uint16
	number       uint16
}

type entry struct {
	family string
	part   part
}

var index = func() map[partKey]entry {
	m := make(map[partKey]entry)
	for name, f := range families {
		for _, p := range f.parts {
			m[partKey{f.manufacturer, p.number}] = entry{name, p}
		}
	}
	return m
}()

// Lookup returns what is known about the device answering with raw. The
// version nibble is ignored.
func Lookup(raw uint32) DeviceInfo {
	id := idcode.IDCode(raw)
	m, _ := idcode.LookupManufacturer(id.Manufacturer())
	info := DeviceInfo{IDCode: id, Manufacturer: m}

	e, ok := index[partKey{id.Manufacturer(), id.Part()}]
	if !ok {
		info.Name = "Unknown device"
		info.Description = fmt.Sprintf("no entry for %s part 0x%04X", m.Name, id.Part())
		return info
	}
	f := families[e.family]
	info.Name = e.part.name
	info.Family = e.family
	info.Description = f.description
	info.HasFlashBridge = f.bridge
	info.ConfigBits = e.part.bits
	info.IRLength = f.irLength
	return info
}
