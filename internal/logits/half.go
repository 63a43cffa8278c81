package logits

import "github.com/x448/float16"

// FromHalf widens half-precision logits into dst, growing it when needed.
func FromHalf(dst []float32, src []float16.Float16) []float32 {
	if cap(dst) < len(src) {
		dst = make([]float32, len(src))
	}
	dst = dst[:len(src)]
	for i, h := range src {
		dst[i] = h.Float32()
	}
	return dst
}

// ToHalf narrows logits to half precision. Values outside the half range
// saturate to +/-Inf.
func ToHalf(src []float32) []float16.Float16 {
	out := make([]float16.Float16, len(src))
	for i, v := range src {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}
