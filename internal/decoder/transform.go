package decoder

// Transpose rotates a sensor-order luminance plane into decoder order.
//
// Many sensors store frames rotated 90° relative to the geometry the decoder
// works with. For a source plane of width×height, pixel (x, y) lands at
// index x*height + (height - y - 1) of the result, which is height pixels wide
// and width pixels tall. Only the first width*height bytes of src are read.
func Transpose(src []byte, width, height int) []byte {
	return transposeInto(nil, src, width, height)
}

// transposeInto is Transpose writing into dst, growing it when too small.
func transposeInto(dst, src []byte, width, height int) []byte {
	n := width * height
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	for y := 0; y < height; y++ {
		row := src[y*width : y*width+width]
		col := height - y - 1
		for x, v := range row {
			dst[x*height+col] = v
		}
	}
	return dst
}

// Untranspose is the inverse of Transpose for the same sensor geometry:
// Untranspose(Transpose(p, w, h), w, h) == p[:w*h].
//
// Sources that start from an upright image use it to produce the
// sensor-order buffer the pipeline expects.
func Untranspose(dst []byte, width, height int) []byte {
	n := width * height
	src := make([]byte, n)

	for y := 0; y < height; y++ {
		col := height - y - 1
		for x := 0; x < width; x++ {
			src[y*width+x] = dst[x*height+col]
		}
	}
	return src
}
