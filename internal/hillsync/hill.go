package hillsync

import "math"

const (
	hillSigma = 0.25
	hillPeak  = 0.5
)

// HillY maps an x position in [0,100] to the bell-curve height in [0,100].
// The peak sits at x=50, the boundary between "figuring out" and "making it
// happen".
func HillY(x float64) float64 {
	normalized := x / 100
	exponent := -math.Pow(normalized-hillPeak, 2) / (2 * math.Pow(hillSigma, 2))
	return math.Exp(exponent) * 100
}

// ClampPosition bounds an x position to the valid [0,100] range.
func ClampPosition(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 100 {
		return 100
	}
	return x
}

// HillPoint converts a position percentage to pixel coordinates inside a
// chart of the given size. y grows downward, matching screen space.
func HillPoint(xPosition, chartWidth, chartHeight float64) (x, y float64) {
	yPercent := HillY(xPosition)
	return (xPosition / 100) * chartWidth, chartHeight - (yPercent/100)*chartHeight
}
