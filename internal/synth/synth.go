// Package synth implements finished-file synthesis: one upstream call whose
// result lands in a temp file, optionally normalized to 16-bit PCM WAV with
// rate and volume adjustment.
package synth

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/transcode"
	"github.com/lexiqai/speech-relay/internal/upstream"
)

// tempPrefix marks the files this package owns inside the temp directory.
const tempPrefix = "tts_"

// Synthesizer turns synthesis requests into audio files on disk.
type Synthesizer struct {
	client  *upstream.Client
	tempDir string
	logger  zerolog.Logger
}

// New creates a synthesizer writing into tempDir.
func New(client *upstream.Client, tempDir string, logger zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		client:  client,
		tempDir: tempDir,
		logger:  logger.With().Str("component", "synth").Logger(),
	}
}

// SynthesizeToFile performs one synthesis call and writes the result to a
// fresh temp file, returning its path. WAV results are normalized to 16-bit
// PCM with the given rate and volume adjustment; compressed formats are
// written as received.
func (s *Synthesizer) SynthesizeToFile(ctx context.Context, req upstream.Request, rateAdjust int, volumePercent uint) (string, error) {
	// Out-of-contract adjustments are clamped here, not rejected.
	if rateAdjust > 10 {
		rateAdjust = 10
	} else if rateAdjust < -10 {
		rateAdjust = -10
	}
	if volumePercent > 100 {
		volumePercent = 100
	}

	resp, err := s.client.Speech(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upstream body: %w", err)
	}

	// The provider sometimes answers in a container other than the one
	// requested; trust the response Content-Type over the request.
	ext := extensionFor(resp.Header.Get("Content-Type"), req.Format)
	path := filepath.Join(s.tempDir, fmt.Sprintf("%s%d_openai.%s", tempPrefix, time.Now().UnixNano(), ext))

	if ext == "wav" {
		if err := transcode.NormalizeToPCM16WAV(data, path, rateAdjust, volumePercent); err != nil {
			return "", err
		}
	} else {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write audio file: %w", err)
		}
	}

	s.logger.Info().Str("path", path).Int("bytes", len(data)).Msg("Synthesized audio file")
	return path, nil
}

// SynthesizeWAV is SynthesizeToFile with the format forced to wav, so the
// result is always a normalized PCM file.
func (s *Synthesizer) SynthesizeWAV(ctx context.Context, req upstream.Request, rateAdjust int, volumePercent uint) (string, error) {
	req.Format = upstream.FormatWAV
	return s.SynthesizeToFile(ctx, req, rateAdjust, volumePercent)
}

// DeleteTempFile removes a file previously produced by this synthesizer.
// Paths outside the temp directory or without the expected name prefix are
// refused. A missing file reports (false, nil).
func (s *Synthesizer) DeleteTempFile(path string) (bool, error) {
	clean := filepath.Clean(path)
	if filepath.Dir(clean) != filepath.Clean(s.tempDir) {
		return false, fmt.Errorf("refusing to delete outside temp dir: %s", path)
	}
	if !strings.HasPrefix(filepath.Base(clean), tempPrefix) {
		return false, fmt.Errorf("refusing to delete non-synthesis file: %s", path)
	}

	err := os.Remove(clean)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Debug().Str("path", clean).Msg("Deleted temp audio file")
	return true, nil
}

// CleanupStale removes synthesis temp files older than maxAge and returns
// how many were deleted. Removal failures are skipped; a vanished file is
// already the desired outcome.
func (s *Synthesizer) CleanupStale(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to scan temp dir")
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(s.tempDir, entry.Name())) == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Int("count", removed).Msg("Removed stale temp audio files")
	}
	return removed
}

func extensionFor(contentType string, requested upstream.Format) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "wav"):
		return "wav"
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return "mp3"
	case strings.Contains(ct, "ogg"), strings.Contains(ct, "opus"):
		return "opus"
	default:
		return string(requested)
	}
}
