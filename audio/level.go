package audio

import "math"

// Level returns the RMS amplitude of a float block, 0 for silence and 1 for
// a full-scale square wave.
func Level(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(block)))
}
