package format

import (
	"fmt"
	"strings"
)

const (
	Byte     = 1
	KibiByte = Byte << 10
	MebiByte = KibiByte << 10
	GibiByte = MebiByte << 10
)

// HumanBytes formats an artifact size with binary units, e.g. "1.5 MB".
// Whole values drop the fraction.
func HumanBytes(b int64) string {
	var unit string
	var value float64
	switch {
	case b >= GibiByte:
		unit, value = "GB", float64(b)/GibiByte
	case b >= MebiByte:
		unit, value = "MB", float64(b)/MebiByte
	case b >= KibiByte:
		unit, value = "KB", float64(b)/KibiByte
	default:
		return fmt.Sprintf("%d B", b)
	}

	s := strings.TrimSuffix(fmt.Sprintf("%.1f", value), ".0")
	return s + " " + unit
}
