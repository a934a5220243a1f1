package upstream

import "strings"

// Format is the audio container requested from the synthesis provider.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatOpus Format = "opus"
)

// ParseFormat normalizes a user-supplied format string. Unknown and
// webm-like values map to opus, the provider's default streaming container.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wav":
		return FormatWAV
	case "mp3":
		return FormatMP3
	default:
		return FormatOpus
	}
}

// ContentType returns the MIME type used for the Accept header on speech
// requests and for the Content-Type of pull-mode responses.
func (f Format) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatWAV:
		return "audio/wav"
	case FormatOpus:
		return "audio/ogg"
	default:
		return "audio/mpeg"
	}
}

// StreamMIME returns the MIME type announced in push-mode start events.
func (f Format) StreamMIME() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatWAV:
		return "audio/wav"
	default:
		return "audio/ogg; codecs=opus"
	}
}

// Request is one immutable synthesis request. A zero Voice, Model or Format
// must be filled by the caller before use; the transport does not apply
// defaults.
type Request struct {
	Text         string
	Voice        string
	Model        string
	Format       Format
	Instructions string
	APIKey       string
}
