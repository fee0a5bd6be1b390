package decoder

import (
	"fmt"

	"github.com/makiuchi-d/gozxing"

	"github.com/care/orionscan/internal/types"
)

// Hints is the decoder configuration, built once and handed to NewWorker.
type Hints struct {
	// Formats bounds the symbologies searched for. Empty means all formats.
	Formats []types.Format

	// TryHarder trades latency for accuracy (more rows scanned, rotation for 1D).
	TryHarder bool

	// RestrictToCrop limits the luminance view to the source crop region.
	// When false the full corrected frame is searched and the crop region
	// only gates whether the source is ready.
	RestrictToCrop bool

	// PointSink receives result points as the reader finds them.
	// Called on the worker goroutine; it must not block.
	PointSink func(types.ResultPoint)
}

// DefaultHints searches every supported format.
func DefaultHints() Hints {
	return Hints{Formats: types.AllFormats}
}

var toGozxing = map[types.Format]gozxing.BarcodeFormat{
	types.FormatQRCode:     gozxing.BarcodeFormat_QR_CODE,
	types.FormatDataMatrix: gozxing.BarcodeFormat_DATA_MATRIX,
	types.FormatAztec:      gozxing.BarcodeFormat_AZTEC,
	types.FormatCode128:    gozxing.BarcodeFormat_CODE_128,
	types.FormatCode39:     gozxing.BarcodeFormat_CODE_39,
	types.FormatCode93:     gozxing.BarcodeFormat_CODE_93,
	types.FormatCodabar:    gozxing.BarcodeFormat_CODABAR,
	types.FormatITF:        gozxing.BarcodeFormat_ITF,
	types.FormatEAN13:      gozxing.BarcodeFormat_EAN_13,
	types.FormatEAN8:       gozxing.BarcodeFormat_EAN_8,
	types.FormatUPCA:       gozxing.BarcodeFormat_UPC_A,
	types.FormatUPCE:       gozxing.BarcodeFormat_UPC_E,
}

func fromGozxing(f gozxing.BarcodeFormat) types.Format {
	for k, v := range toGozxing {
		if v == f {
			return k
		}
	}
	return types.Format(fmt.Sprint(f))
}

// formats returns the configured formats, defaulting to all.
func (h Hints) formats() []types.Format {
	if len(h.Formats) == 0 {
		return types.AllFormats
	}
	return h.Formats
}

func (h Hints) validate() error {
	for _, f := range h.Formats {
		if _, ok := toGozxing[f]; !ok {
			return fmt.Errorf("decoder: unsupported format %q", f)
		}
	}
	return nil
}

// decodeHints builds the gozxing hint map. Built once per worker.
func (h Hints) decodeHints() map[gozxing.DecodeHintType]interface{} {
	formats := make(gozxing.BarcodeFormats, 0, len(h.formats()))
	for _, f := range h.formats() {
		formats = append(formats, toGozxing[f])
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_POSSIBLE_FORMATS: formats,
	}
	if h.TryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}
	if h.PointSink != nil {
		sink := h.PointSink
		hints[gozxing.DecodeHintType_NEED_RESULT_POINT_CALLBACK] = gozxing.ResultPointCallback(
			func(p gozxing.ResultPoint) {
				if p == nil {
					return
				}
				sink(types.ResultPoint{X: p.GetX(), Y: p.GetY()})
			})
	}
	return hints
}
