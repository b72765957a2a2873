package sound

import (
	"encoding/binary"
	"math"
)

// ApplyGain scales little-endian signed integer PCM in place. Only 16 and
// 32 bit samples are handled; other depths are left untouched.
func ApplyGain(pcm []byte, bitsPerSample int, gain float64) {
	if gain == 1 {
		return
	}
	switch bitsPerSample {
	case 16:
		for i := 0; i+1 < len(pcm); i += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
			binary.LittleEndian.PutUint16(pcm[i:], uint16(clampInt16(v*gain)))
		}
	case 32:
		for i := 0; i+3 < len(pcm); i += 4 {
			v := float64(int32(binary.LittleEndian.Uint32(pcm[i:])))
			binary.LittleEndian.PutUint32(pcm[i:], uint32(clampInt32(v*gain)))
		}
	}
}

func clampInt16(v float64) int16 {
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v))))
}

func clampInt32(v float64) int32 {
	return int32(math.Max(math.MinInt32, math.Min(math.MaxInt32, math.Round(v))))
}

// Float32ToInt16LE converts interleaved float samples in [-1,1] to 16-bit
// little-endian PCM, appending to dst.
func Float32ToInt16LE(dst []byte, src []float32) []byte {
	for _, s := range src {
		v := clampInt16(float64(s) * math.MaxInt16)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
	return dst
}

// Widen24To32LE expands packed 24-bit little-endian samples into 32-bit
// containers, appending to dst.
func Widen24To32LE(dst, src []byte) []byte {
	for i := 0; i+2 < len(src); i += 3 {
		dst = append(dst, 0, src[i], src[i+1], src[i+2])
	}
	return dst
}

// PackIntLE appends integer samples at the given byte width, appending to dst.
func PackIntLE(dst []byte, samples []int, bytesPerSample int) []byte {
	for _, s := range samples {
		switch bytesPerSample {
		case 1:
			// 8-bit PCM is unsigned
			dst = append(dst, byte(s+128))
		case 2:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(s)))
		case 3:
			dst = append(dst, byte(s), byte(s>>8), byte(s>>16))
		case 4:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(s)))
		}
	}
	return dst
}

// UnpackIntLE decodes little-endian signed PCM into ints, reusing dst.
func UnpackIntLE(dst []int, src []byte, bitsPerSample int) []int {
	dst = dst[:0]
	switch bitsPerSample {
	case 16:
		for i := 0; i+1 < len(src); i += 2 {
			dst = append(dst, int(int16(binary.LittleEndian.Uint16(src[i:]))))
		}
	case 24:
		for i := 0; i+2 < len(src); i += 3 {
			v := int32(src[i]) | int32(src[i+1])<<8 | int32(src[i+2])<<16
			dst = append(dst, int(v<<8>>8))
		}
	case 32:
		for i := 0; i+3 < len(src); i += 4 {
			dst = append(dst, int(int32(binary.LittleEndian.Uint32(src[i:]))))
		}
	}
	return dst
}

// ApplyGainFloat32LE scales little-endian float32 PCM in place.
func ApplyGainFloat32LE(pcm []byte, gain float64) {
	if gain == 1 {
		return
	}
	for i := 0; i+3 < len(pcm); i += 4 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(pcm[i:]))
		binary.LittleEndian.PutUint32(pcm[i:], math.Float32bits(float32(float64(v)*gain)))
	}
}

// Float32LEToInts decodes little-endian float32 PCM into integers at the
// given bit depth, reusing dst.
func Float32LEToInts(dst []int, src []byte, bitsPerSample int) []int {
	scale := float64(int64(1)<<(bitsPerSample-1) - 1)
	dst = dst[:0]
	for i := 0; i+3 < len(src); i += 4 {
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i:])))
		v = math.Max(-1, math.Min(1, v))
		dst = append(dst, int(math.Round(v*scale)))
	}
	return dst
}
