package codec

import (
	"github.com/jnb666/deepdetect/num"
)

// NumScales is the number of box size priors predicted at each grid cell.
const NumScales = 4

// MaxScale caps the largest default box prior.
const MaxScale = 512

// Scales holds the reference box size in input pixels for each scale index.
type Scales [NumScales]float32

// NewScales validates a list of box priors, there must be exactly 4 positive values.
func NewScales(values []float32) (Scales, error) {
	var s Scales
	if len(values) != NumScales {
		return s, num.NewConfigError("Scales", "must have exactly %d values, got %d", NumScales, len(values))
	}
	for i, v := range values {
		if v <= 0 {
			return s, num.NewConfigError("Scales", "value %d is %g, must be positive", i, v)
		}
		s[i] = v
	}
	return s, nil
}

// DefaultScales returns the priors 64, 128, 256 and the larger input dimension capped at 512.
func DefaultScales(width, height int) Scales {
	return Scales{64, 128, 256, float32(min(max(width, height), MaxScale))}
}
