package deviceinfo

import (
	"strings"
	"testing"
)

func TestLookupFPGAs(t *testing.T) {
	tests := []struct {
		raw    uint32
		name   string
		family string
		ir     int
		bridge bool
	}{
		{raw: 0x41113043, name: "LFE5U-85F", family: "ecp5", ir: 8, bridge: true},
		{raw: 0x21111043, name: "LFE5U-25F", family: "ecp5", ir: 8, bridge: true},
		{raw: 0x0362D093, name: "XC7A35T", family: "artix7", ir: 6, bridge: true},
		{raw: 0x13631093, name: "XC7A100T", family: "artix7", ir: 6, bridge: true},
		{raw: 0x02B050DD, name: "5CEBA4/5CEFA4", family: "cyclone5", ir: 10},
	}
	for _, tt := range tests {
		info := Lookup(tt.raw)
		if info.Name != tt.name || info.Family != tt.family || info.IRLength != tt.ir ||
			info.HasFlashBridge != tt.bridge || !info.Known() {
			t.Errorf("Lookup(%#08x) = %+v", tt.raw, info)
		}
		if uint32(info.IDCode) != tt.raw {
			t.Errorf("Lookup(%#08x) lost the raw IDCODE", tt.raw)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	info := Lookup(0x12345679)
	if info.Known() || info.Name != "Unknown device" || !strings.Contains(info.Description, "part 0x2345") {
		t.Fatalf("Lookup(unknown) = %+v", info)
	}
}
