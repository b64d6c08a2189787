// Package effects holds input-processing kernels. Each reads input bus 0,
// writes the output bus and tolerates the two aliasing.
package effects

import "github.com/cbegin/rtkernel-go/internal/kernel"

// stereoIn reads frame i of a bus as a stereo pair; mono input feeds both
// sides and a missing bus reads as silence.
func stereoIn(in kernel.Buffers, i int) (float32, float32) {
	switch len(in) {
	case 0:
		return 0, 0
	case 1:
		return in[0][i], in[0][i]
	}
	return in[0][i], in[1][i]
}

// writeStereo stores a stereo pair at frame i, folding to mono for a
// single-channel bus.
func writeStereo(out kernel.Buffers, i int, l, r float32) {
	if len(out) == 1 {
		out[0][i] = (l + r) / 2
		return
	}
	for ch := range out {
		if ch%2 == 0 {
			out[ch][i] = l
		} else {
			out[ch][i] = r
		}
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
