package types

// Message is a typed inbox message. The set is closed: FrameReady travels
// into the decode worker, DecodeSucceeded and DecodeFailed travel back to the
// controller.
type Message interface {
	// RequestTag identifies the frame request the message belongs to.
	RequestTag() string
	isMessage()
}

// FrameReady carries one requested frame from the source to the decode worker.
type FrameReady struct {
	Tag   string
	Frame Frame
	// Geometry is the source geometry snapshot taken at delivery time.
	// HasGeometry is false when the source had not been configured yet.
	Geometry    Size
	HasGeometry bool
}

// DecodeSucceeded reports a match for the frame of request Tag.
type DecodeSucceeded struct {
	Tag    string
	Result Result
}

// DecodeFailed reports that the frame of request Tag produced no result.
type DecodeFailed struct {
	Tag    string
	Reason FailureReason
}

func (m FrameReady) RequestTag() string      { return m.Tag }
func (m DecodeSucceeded) RequestTag() string { return m.Tag }
func (m DecodeFailed) RequestTag() string    { return m.Tag }

func (FrameReady) isMessage()      {}
func (DecodeSucceeded) isMessage() {}
func (DecodeFailed) isMessage()    {}

// FailureReason says why an attempt produced no result. All reasons are
// retried the same way; the distinction only feeds logs and metrics.
type FailureReason int

const (
	// ReasonNotFound means no recognizable pattern was in the frame
	ReasonNotFound FailureReason = iota
	// ReasonNoGeometry means the source had no frame geometry yet
	ReasonNoGeometry
	// ReasonNoCrop means the source could not supply a valid crop region
	ReasonNoCrop
	// ReasonBadFrame means the buffer was smaller than its declared geometry
	ReasonBadFrame
	// ReasonSourceNotReady means the source declined the request for now;
	// the controller posts it in place of a frame outcome
	ReasonSourceNotReady
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonNoGeometry:
		return "no_geometry"
	case ReasonNoCrop:
		return "no_crop"
	case ReasonBadFrame:
		return "bad_frame"
	case ReasonSourceNotReady:
		return "source_not_ready"
	default:
		return "unknown"
	}
}
