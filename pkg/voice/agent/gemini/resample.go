package gemini

import (
	"encoding/binary"
	"math"
)

// resampler converts 16-bit little-endian mono PCM from one rate to another
// by linear interpolation. It keeps the read position, the last sample and
// any odd trailing byte between chunks so a stream split across many
// messages resamples the same as one long buffer.
type resampler struct {
	from, to int

	pos  float64 // next output position in input samples; -1 is prev
	prev int16
	odd  []byte
}

func newResampler(from, to int) *resampler {
	return &resampler{from: from, to: to}
}

func (r *resampler) passthrough() bool { return r.from == r.to || r.from <= 0 || r.to <= 0 }

func (r *resampler) process(pcm []byte) []byte {
	if r.passthrough() {
		return pcm
	}
	if len(r.odd) > 0 {
		pcm = append(append([]byte(nil), r.odd...), pcm...)
		r.odd = nil
	}
	if len(pcm)%2 == 1 {
		r.odd = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	sample := func(i int) float64 {
		if i < 0 {
			return float64(r.prev)
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}

	step := float64(r.from) / float64(r.to)
	last := float64(n - 1)
	out := make([]byte, 0, int(float64(n)/step+2)*2)
	for ; r.pos <= last; r.pos += step {
		i := int(math.Floor(r.pos))
		frac := r.pos - float64(i)
		v := sample(i)
		if frac > 0 {
			v += (sample(i+1) - v) * frac
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(math.Round(v))))
	}
	r.pos -= float64(n)
	r.prev = int16(binary.LittleEndian.Uint16(pcm[2*(n-1):]))
	return out
}
