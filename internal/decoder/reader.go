package decoder

import (
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/aztec"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/care/orionscan/internal/types"
)

// Reader is the reusable pattern-matching engine owned by a Worker.
//
// Reset clears any per-image state; the worker calls it after every attempt.
// gozxing readers satisfy this interface.
type Reader interface {
	Decode(image *gozxing.BinaryBitmap, hints map[gozxing.DecodeHintType]interface{}) (*gozxing.Result, error)
	Reset()
}

// multiFormatReader tries each format reader in turn and returns the first hit.
type multiFormatReader struct {
	readers []gozxing.Reader
}

// NewMultiFormatReader builds a Reader for the formats in hints.
//
// Linear readers go first in normal mode (they are cheap and usually the
// target), last in try-harder mode.
func NewMultiFormatReader(h Hints) Reader {
	wanted := make(map[types.Format]bool)
	for _, f := range h.formats() {
		wanted[f] = true
	}

	var linear []gozxing.Reader
	if wanted[types.FormatEAN13] || wanted[types.FormatEAN8] || wanted[types.FormatUPCA] || wanted[types.FormatUPCE] {
		linear = append(linear, oned.NewMultiFormatUPCEANReader(h.decodeHints()))
	}
	if wanted[types.FormatCode39] {
		linear = append(linear, oned.NewCode39Reader())
	}
	if wanted[types.FormatCode93] {
		linear = append(linear, oned.NewCode93Reader())
	}
	if wanted[types.FormatCode128] {
		linear = append(linear, oned.NewCode128Reader())
	}
	if wanted[types.FormatITF] {
		linear = append(linear, oned.NewITFReader())
	}
	if wanted[types.FormatCodabar] {
		linear = append(linear, oned.NewCodaBarReader())
	}

	var matrix []gozxing.Reader
	if wanted[types.FormatQRCode] {
		matrix = append(matrix, qrcode.NewQRCodeReader())
	}
	if wanted[types.FormatDataMatrix] {
		matrix = append(matrix, datamatrix.NewDataMatrixReader())
	}
	if wanted[types.FormatAztec] {
		matrix = append(matrix, aztec.NewAztecReader())
	}

	r := &multiFormatReader{}
	if h.TryHarder {
		r.readers = append(append(r.readers, matrix...), linear...)
	} else {
		r.readers = append(append(r.readers, linear...), matrix...)
	}
	return r
}

func (r *multiFormatReader) Decode(image *gozxing.BinaryBitmap, hints map[gozxing.DecodeHintType]interface{}) (*gozxing.Result, error) {
	for _, reader := range r.readers {
		result, err := reader.Decode(image, hints)
		if err == nil {
			return result, nil
		}
		if _, ok := err.(gozxing.ReaderException); !ok {
			return nil, err
		}
	}
	return nil, gozxing.NewNotFoundException()
}

func (r *multiFormatReader) Reset() {
	for _, reader := range r.readers {
		reader.Reset()
	}
}
