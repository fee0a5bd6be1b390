package gstsource

import "strings"

// ErrorCategory classifies pipeline bus errors for logs and stats.
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryAuth
	ErrCategoryDevice
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	case ErrCategoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	// most specific first
	{ErrCategoryAuth, []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials"}},
	{ErrCategoryDevice, []string{"v4l2", "/dev/video", "device", "busy", "permission denied", "cannot identify"}},
	{ErrCategoryCodec, []string{"codec", "decode", "format", "negotiation", "caps", "h264", "not negotiated", "missing plugin"}},
	{ErrCategoryNetwork, []string{"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "tcp", "rtsp", "could not connect"}},
}

// ClassifyError categorizes a bus error from its message and debug string.
// go-gst does not expose the GError domain, so this is keyword matching.
func ClassifyError(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
