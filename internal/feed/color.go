package feed

import (
	"math"
	"math/rand"
)

const goldenRatioConjugate = 0.618033988749895

// Color is an RGB accent with components in [0, 255].
type Color [3]int

// RandomColor returns a light pastel color.
// See https://martin.ankerl.com/2009/12/09/how-to-create-random-colors-programmatically/
func RandomColor() Color {
	return hsvToRGB(math.Mod(rand.Float64()+goldenRatioConjugate, 1), 0.5, 0.95)
}

func hsvToRGB(h, s, v float64) Color {
	hi := int(math.Floor(h * 6))
	f := h*6 - float64(hi)
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	var r, g, b float64
	switch hi {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return Color{component(r), component(g), component(b)}
}

func component(x float64) int {
	c := int(math.Floor(x * 256))
	if c > 255 {
		return 255
	}
	return c
}
