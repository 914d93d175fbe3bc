package report

import (
	"fmt"
	"math"
)

const (
	badgeSize   = 120
	badgeStroke = 10

	colorRed    = "#ff4d4f"
	colorYellow = "#faad14"
	colorGreen  = "#52c41a"
)

const badgeTemplate = `<svg width="%[1]d" height="%[1]d" viewBox="0 0 %[1]d %[1]d" xmlns="http://www.w3.org/2000/svg">
  <circle cx="%[2]g" cy="%[2]g" r="%[3]g" fill="#ffffff" stroke="#f0f0f0" stroke-width="%[4]d" />
  <circle cx="%[2]g" cy="%[2]g" r="%[3]g" fill="none" stroke="%[5]s" stroke-width="%[4]d"
          stroke-dasharray="%.4[6]f" stroke-dashoffset="%.4[7]f" transform="rotate(-90 %[2]g %[2]g)" stroke-linecap="round" />
  <text x="50%%" y="45%%" text-anchor="middle" dy=".3em" font-family="Arial, sans-serif" font-size="20" fill="#333" font-weight="bold">%.1[8]f%%</text>
  <text x="50%%" y="65%%" text-anchor="middle" dy=".3em" font-family="Arial, sans-serif" font-size="10" fill="#666">%[9]d/%[10]d</text>
</svg>
`

// PassRate returns passed/total as a percentage, or 0 for an empty run.
func PassRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}

	return float64(passed) / float64(total) * 100
}

// BadgeColor picks the ring colour: red below 50%, yellow below 90%.
func BadgeColor(pct float64) string {
	switch {
	case pct < 50:
		return colorRed
	case pct < 90:
		return colorYellow
	default:
		return colorGreen
	}
}

// Badge renders an SVG progress ring for passed out of total.
func Badge(passed, total int) []byte {
	pct := PassRate(passed, total)

	radius := float64(badgeSize-badgeStroke) / 2
	center := float64(badgeSize) / 2
	circumference := 2 * math.Pi * radius
	offset := circumference - pct/100*circumference

	return fmt.Appendf(nil, badgeTemplate,
		badgeSize, center, radius, badgeStroke, BadgeColor(pct),
		circumference, offset, pct, passed, total,
	)
}
