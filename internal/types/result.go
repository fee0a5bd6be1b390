package types

import (
	"fmt"
	"strings"
	"time"
)

// Format identifies a machine-readable code symbology.
type Format string

const (
	FormatQRCode     Format = "QR_CODE"
	FormatDataMatrix Format = "DATA_MATRIX"
	FormatAztec      Format = "AZTEC"
	FormatCode128    Format = "CODE_128"
	FormatCode39     Format = "CODE_39"
	FormatCode93     Format = "CODE_93"
	FormatCodabar    Format = "CODABAR"
	FormatITF        Format = "ITF"
	FormatEAN13      Format = "EAN_13"
	FormatEAN8       Format = "EAN_8"
	FormatUPCA       Format = "UPC_A"
	FormatUPCE       Format = "UPC_E"
)

// AllFormats lists every format the decoder recognizes, 2D first.
var AllFormats = []Format{
	FormatQRCode,
	FormatDataMatrix,
	FormatAztec,
	FormatCode128,
	FormatCode39,
	FormatCode93,
	FormatCodabar,
	FormatITF,
	FormatEAN13,
	FormatEAN8,
	FormatUPCA,
	FormatUPCE,
}

// ParseFormat accepts the canonical name case-insensitively ("qr_code", "CODE_128").
func ParseFormat(s string) (Format, error) {
	name := Format(strings.ToUpper(strings.TrimSpace(s)))
	for _, f := range AllFormats {
		if f == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown barcode format %q", s)
}

// IsLinear reports whether the format is a 1D symbology.
func (f Format) IsLinear() bool {
	switch f {
	case FormatQRCode, FormatDataMatrix, FormatAztec:
		return false
	default:
		return true
	}
}

// ResultPoint is a point of interest found during a decode attempt, in the
// corrected (decoder) coordinate space.
type ResultPoint struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Result is a successful decode.
type Result struct {
	// Text is the decoded payload
	Text string
	// Format is the symbology the payload was read from
	Format Format
	// Points are the finder/guard points reported by the reader
	Points []ResultPoint
	// FrameSeq is the sequence number of the frame the code was found in
	FrameSeq uint64
	// TraceID of the frame the code was found in
	TraceID string
	// DecodedAt is when the worker finished the attempt
	DecodedAt time.Time
}
