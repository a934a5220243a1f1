package transcode

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// decodeWAV is the fast path: walk the RIFF chunks directly and pull the
// samples out of the data chunk. The go-audio decoder does not handle IEEE
// float containers, which the provider emits for wav output, so the walk is
// done by hand.
func decodeWAV(data []byte) (pcmBuffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return pcmBuffer{}, fmt.Errorf("%w: not a RIFF/WAVE container", ErrDecodeFailed)
	}

	var (
		format   uint16
		channels int
		rate     int
		bits     int
		haveFmt  bool
		samples  []float64
	)

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			break
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return pcmBuffer{}, fmt.Errorf("%w: truncated fmt chunk", ErrDecodeFailed)
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return pcmBuffer{}, fmt.Errorf("%w: data chunk before fmt", ErrDecodeFailed)
			}
			decoded, err := decodeWAVSamples(data[body:body+size], format, bits)
			if err != nil {
				return pcmBuffer{}, err
			}
			samples = append(samples, decoded...)
		}

		// Chunks are padded to even sizes.
		off = body + size + (size & 1)
	}

	if !haveFmt || channels <= 0 || rate <= 0 {
		return pcmBuffer{}, fmt.Errorf("%w: missing or invalid fmt chunk", ErrDecodeFailed)
	}
	if len(samples) == 0 {
		return pcmBuffer{}, fmt.Errorf("%w: no samples in data chunk", ErrDecodeFailed)
	}
	return pcmBuffer{samples: samples, rate: rate, channels: channels}, nil
}

func decodeWAVSamples(raw []byte, format uint16, bits int) ([]float64, error) {
	switch {
	case format == wavFormatPCM && bits == 8:
		out := make([]float64, len(raw))
		for i, b := range raw {
			out[i] = (float64(b) - 128) / 128
		}
		return out, nil
	case format == wavFormatPCM && bits == 16:
		out := make([]float64, 0, len(raw)/2)
		for i := 0; i+1 < len(raw); i += 2 {
			s := int16(binary.LittleEndian.Uint16(raw[i : i+2]))
			out = append(out, float64(s)/32768)
		}
		return out, nil
	case format == wavFormatPCM && bits == 24:
		out := make([]float64, 0, len(raw)/3)
		for i := 0; i+2 < len(raw); i += 3 {
			s := int32(raw[i]) | int32(raw[i+1])<<8 | int32(raw[i+2])<<16
			if s&0x800000 != 0 {
				s |= ^int32(0xFFFFFF)
			}
			out = append(out, float64(s)/8388608)
		}
		return out, nil
	case format == wavFormatPCM && bits == 32:
		out := make([]float64, 0, len(raw)/4)
		for i := 0; i+3 < len(raw); i += 4 {
			s := int32(binary.LittleEndian.Uint32(raw[i : i+4]))
			out = append(out, float64(s)/2147483648)
		}
		return out, nil
	case format == wavFormatFloat && bits == 32:
		out := make([]float64, 0, len(raw)/4)
		for i := 0; i+3 < len(raw); i += 4 {
			out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i:i+4]))))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported wav sample format %d/%d-bit", ErrDecodeFailed, format, bits)
	}
}
