package audio

import "math"

// Level computes the RMS loudness of a clip scaled to 0-100, plus
// whether any sample hit full scale. The dB window maps -60 dBFS to 0
// and -10 dBFS to 100, which suits speech recorded on consumer mics.
func Level(samples []int16) (level int, clipping bool) {
	if len(samples) == 0 {
		return 0, false
	}

	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if s == math.MaxInt16 || s == math.MinInt16 {
			clipping = true
		}
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	db := 20 * math.Log10(rms/32768.0)
	scaled := (db + 60) * (100.0 / 50.0)

	if clipping && scaled < 95 {
		scaled = 95
	}
	if scaled < 0 {
		scaled = 0
	} else if scaled > 100 {
		scaled = 100
	}
	return int(scaled), clipping
}
