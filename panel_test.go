package hearth

import "testing"

func TestPanelBits(t *testing.T) {
	if PanelBit("HEAT WH") != 1 || PanelBit("BOIL") != 16 || PanelBit("HW PUMP") != 512 {
		t.Fatal("bit assignments changed; persisted masks depend on them")
	}
	if PanelBit("FURNACE") != 0 {
		t.Error("unknown label should map to 0")
	}
	if PanelLabel(256) != "WELL" || PanelLabel(1024) != "" {
		t.Error("label lookup broken")
	}
}

func TestApplyPanelBit(t *testing.T) {
	var mask int64
	mask = ApplyPanelBit(mask, "HEAT WH", true)
	mask = ApplyPanelBit(mask, "BOIL", true)
	if mask != 17 {
		t.Fatalf("mask = %d, want 17", mask)
	}
	mask = ApplyPanelBit(mask, "HEAT WH", false)
	if mask != 16 {
		t.Fatalf("mask = %d, want 16", mask)
	}
	if got := ApplyPanelBit(mask, "FURNACE", true); got != mask {
		t.Error("unknown label must not change the mask")
	}
}

func TestPanelChannelSpec(t *testing.T) {
	spec := PanelChannelSpec("ma1")
	want := "ma1)inp^1^2^4^8^16^32^64^128^256^512"
	if spec != want {
		t.Fatalf("spec = %q, want %q", spec, want)
	}
	set, err := ParseChannelSet(spec)
	if err != nil {
		t.Fatal(err)
	}
	if !set.MatchSource("ma1") {
		t.Error("spec does not match its own source")
	}
}
