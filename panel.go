package hearth

import (
	"sort"
	"strconv"
	"strings"
)

// Input panel bit assignments. The panel posts its whole state as one
// bitmask in the record's inp field; these names match the labels the
// controller prints in its log.
const (
	PanelHeatWH  int64 = 1 << iota // domestic hot water heat call
	PanelHeatMBR                   // master bedroom zone
	PanelHeat1st
	PanelHeat2nd
	PanelBoil
	PanelCoolMBR
	PanelCool1st
	PanelCool2nd
	PanelWell
	PanelHWPump
)

// panelBits maps controller labels to their bit values.
var panelBits = map[string]int64{
	"HEAT WH":  PanelHeatWH,
	"HEAT MBR": PanelHeatMBR,
	"HEAT 1ST": PanelHeat1st,
	"HEAT 2ND": PanelHeat2nd,
	"BOIL":     PanelBoil,
	"COOL MBR": PanelCoolMBR,
	"COOL 1ST": PanelCool1st,
	"COOL 2ND": PanelCool2nd,
	"WELL":     PanelWell,
	"HW PUMP":  PanelHWPump,
}

// PanelBit returns the bit value of a controller label, or 0 if the
// label is unknown.
func PanelBit(label string) int64 {
	return panelBits[label]
}

// PanelLabel returns the controller label of a single bit value, or ""
// if the bit is unassigned.
func PanelLabel(bit int64) string {
	for label, b := range panelBits {
		if b == bit {
			return label
		}
	}
	return ""
}

// ApplyPanelBit folds one labeled on/off event into a panel bitmask and
// returns the new mask. Unknown labels leave the mask unchanged.
func ApplyPanelBit(mask int64, label string, on bool) int64 {
	bit := panelBits[label]
	if bit == 0 {
		return mask
	}
	if on {
		return mask | bit
	}
	return mask &^ bit
}

// PanelChannelSpec builds a channel-set spec decoding every assigned
// panel bit of src as its own single-bit channel, e.g.
// "ma1)inp^1^2^4...". Parse it with ParseChannelSet.
func PanelChannelSpec(src string) string {
	bits := make([]int64, 0, len(panelBits))
	for _, bit := range panelBits {
		bits = append(bits, bit)
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })

	var sb strings.Builder
	sb.WriteString(src)
	sb.WriteString(")inp")
	for _, bit := range bits {
		sb.WriteByte('^')
		sb.WriteString(strconv.FormatInt(bit, 10))
	}
	return sb.String()
}
