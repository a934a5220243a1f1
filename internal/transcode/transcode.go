// Package transcode normalizes arbitrary synthesized audio into 16-bit PCM
// WAV files with gain and sample-rate adjustment applied. Decoding tries a
// WAV fast path first and falls back to probing the container by magic
// bytes.
package transcode

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/lexiqai/speech-relay/internal/observability"
)

// ErrDecodeFailed means no audio track could be parsed, or decoding
// produced zero samples.
var ErrDecodeFailed = errors.New("audio decode failed")

// ErrEncodeFailed means the output WAV could not be created, written or
// finalized.
var ErrEncodeFailed = errors.New("audio encode failed")

// pcmBuffer holds decoded interleaved float samples in [-1,1].
type pcmBuffer struct {
	samples  []float64
	rate     int
	channels int
}

// NormalizeToPCM16WAV decodes data, applies volume gain and sample-rate
// adjustment, and writes a 16-bit PCM WAV to targetPath.
//
// rateAdjust in [-10,10] relabels the sample rate by a factor of
// 2^(rateAdjust/10). This shifts pitch and duration together; it is a
// relabeling, not a time-stretch.
func NormalizeToPCM16WAV(data []byte, targetPath string, rateAdjust int, volumePercent uint) error {
	pcm, err := decodeWAV(data)
	if err != nil {
		pcm, err = genericDecode(data)
		if err != nil {
			observability.RecordTranscode("failed")
			return err
		}
		observability.RecordTranscode("generic")
	} else {
		observability.RecordTranscode("wav_fast")
	}
	return encodePCM16WAV(pcm, targetPath, rateAdjust, volumePercent)
}

// adjustedRate applies the rate relabeling with its output clamped to the
// range common audio hardware accepts.
func adjustedRate(rate, rateAdjust int) int {
	factor := math.Pow(2, float64(rateAdjust)/10)
	out := int(math.Round(float64(rate) * factor))
	if out < 8000 {
		out = 8000
	}
	if out > 192000 {
		out = 192000
	}
	return out
}

func encodePCM16WAV(pcm pcmBuffer, targetPath string, rateAdjust int, volumePercent uint) error {
	gain := math.Max(float64(volumePercent)/100, 0)
	outRate := adjustedRate(pcm.rate, rateAdjust)

	data := make([]int, len(pcm.samples))
	for i, s := range pcm.samples {
		v := s * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = int(math.Round(v * 32767))
	}

	file, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrEncodeFailed, targetPath, err)
	}

	enc := wav.NewEncoder(file, outRate, 16, pcm.channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: pcm.channels, SampleRate: outRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		file.Close()
		return fmt.Errorf("%w: write samples: %v", ErrEncodeFailed, err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return fmt.Errorf("%w: finalize wav: %v", ErrEncodeFailed, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrEncodeFailed, targetPath, err)
	}
	return nil
}
