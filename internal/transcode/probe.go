package transcode

import (
	"bytes"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"
	"layeh.com/gopus"
)

// maxOpusFrame is the largest frame one opus packet can carry at 48kHz
// (120ms).
const maxOpusFrame = 5760

// genericDecode probes the buffer by magic bytes and decodes the matched
// container. Per-packet decode errors are skipped; only an empty result is
// fatal.
func genericDecode(data []byte) (pcmBuffer, error) {
	switch {
	case len(data) >= 4 && string(data[0:4]) == "RIFF":
		// The fast path already rejected this RIFF buffer; re-probing
		// cannot do better.
		return pcmBuffer{}, fmt.Errorf("%w: unsupported RIFF contents", ErrDecodeFailed)
	case len(data) >= 3 && string(data[0:3]) == "ID3",
		len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return decodeMP3(data)
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return decodeOggOpus(data)
	default:
		return pcmBuffer{}, fmt.Errorf("%w: unrecognized container", ErrDecodeFailed)
	}
}

func decodeMP3(data []byte) (pcmBuffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return pcmBuffer{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	// The decoder always outputs 16-bit little-endian stereo.
	raw, err := io.ReadAll(dec)
	if err != nil && len(raw) == 0 {
		return pcmBuffer{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	samples := make([]float64, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		s := int16(uint16(raw[i]) | uint16(raw[i+1])<<8)
		samples = append(samples, float64(s)/32768)
	}
	if len(samples) == 0 {
		return pcmBuffer{}, fmt.Errorf("%w: empty mp3 stream", ErrDecodeFailed)
	}
	return pcmBuffer{samples: samples, rate: dec.SampleRate(), channels: 2}, nil
}

// decodeOggOpus walks the Ogg pages, reassembles packets across lacing
// boundaries and feeds everything after the OpusHead/OpusTags headers
// through the opus decoder at 48kHz.
func decodeOggOpus(data []byte) (pcmBuffer, error) {
	channels := 2
	var dec *gopus.Decoder
	var samples []float64

	for _, pkt := range oggPackets(data) {
		if bytes.HasPrefix(pkt, []byte("OpusHead")) {
			if len(pkt) > 9 && pkt[9] > 0 {
				channels = int(pkt[9])
			}
			continue
		}
		if bytes.HasPrefix(pkt, []byte("OpusTags")) {
			continue
		}
		if dec == nil {
			d, err := gopus.NewDecoder(48000, channels)
			if err != nil {
				return pcmBuffer{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
			}
			dec = d
		}
		pcm, err := dec.Decode(pkt, maxOpusFrame, false)
		if err != nil {
			continue
		}
		for _, s := range pcm {
			samples = append(samples, float64(s)/32768)
		}
	}

	if len(samples) == 0 {
		return pcmBuffer{}, fmt.Errorf("%w: no decodable opus packets", ErrDecodeFailed)
	}
	return pcmBuffer{samples: samples, rate: 48000, channels: channels}, nil
}

// oggPackets reassembles the logical packets from a buffer of Ogg pages.
// CRCs are not verified; a corrupt packet fails in the opus decoder and is
// skipped there.
func oggPackets(data []byte) [][]byte {
	var packets [][]byte
	var pending []byte

	off := 0
	for off+27 <= len(data) {
		if string(data[off:off+4]) != "OggS" {
			break
		}
		segCount := int(data[off+26])
		if off+27+segCount > len(data) {
			break
		}
		lacing := data[off+27 : off+27+segCount]
		body := off + 27 + segCount

		for _, l := range lacing {
			n := int(l)
			if body+n > len(data) {
				return packets
			}
			pending = append(pending, data[body:body+n]...)
			body += n
			if n < 255 {
				packets = append(packets, pending)
				pending = nil
			}
		}
		off = body
	}
	return packets
}
