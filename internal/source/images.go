package source

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/orionscan/internal/decoder"
	"github.com/care/orionscan/internal/types"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// ImageConfig configures an ImageSource.
type ImageConfig struct {
	// Dir is scanned for .png/.jpg/.jpeg files (sorted by name)
	Dir string
	// Files is used instead of Dir when set
	Files []string
	// Loop restarts from the first image once all were delivered;
	// otherwise requests are refused with ErrExhausted after the last one.
	Loop bool
	// Interval delays each delivery, simulating a preview frame rate
	Interval time.Duration
}

// ImageSource replays still images as preview frames.
//
// Each image is taken as the upright (corrected) view. It is converted to
// 8-bit luminance and rotated into sensor order, so the pipeline processes
// it exactly like a camera frame.
type ImageSource struct {
	cfg ImageConfig

	mu      sync.Mutex
	open    bool
	frames  []types.Frame
	names   []string
	next    int
	current int
	seq     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewImageSource returns an unopened image source.
func NewImageSource(cfg ImageConfig) *ImageSource {
	return &ImageSource{cfg: cfg, current: -1}
}

// Open loads and converts every image up front.
func (s *ImageSource) Open(ctx context.Context) error {
	files, err := s.listFiles()
	if err != nil {
		return &OpenError{Source: "images", Err: err}
	}
	if len(files) == 0 {
		return &OpenError{Source: "images", Err: fmt.Errorf("no images found in %q", s.cfg.Dir)}
	}

	frames := make([]types.Frame, 0, len(files))
	for _, path := range files {
		f, err := LoadFrame(path)
		if err != nil {
			return &OpenError{Source: "images", Err: err}
		}
		frames = append(frames, f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = frames
	s.names = files
	s.next = 0
	s.current = -1
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.open = true

	slog.Info("image source opened", "images", len(frames), "loop", s.cfg.Loop)
	return nil
}

func (s *ImageSource) listFiles() ([]string, error) {
	if len(s.cfg.Files) > 0 {
		return s.cfg.Files, nil
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(s.cfg.Dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Close abandons pending deliveries. Idempotent.
func (s *ImageSource) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// RequestFrame delivers the next image.
func (s *ImageSource) RequestFrame(sink FrameSink, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrNotOpen
	}
	if s.next >= len(s.frames) {
		if !s.cfg.Loop {
			return fmt.Errorf("%w: all images delivered", ErrExhausted)
		}
		s.next = 0
	}

	i := s.next
	s.next++
	s.current = i
	s.seq++

	frame := s.frames[i]
	frame.Seq = s.seq
	frame.TraceID = uuid.New().String()

	s.wg.Add(1)
	go s.deliver(s.ctx, sink, tag, frame, s.names[i])
	return nil
}

func (s *ImageSource) deliver(ctx context.Context, sink FrameSink, tag string, frame types.Frame, name string) {
	defer s.wg.Done()

	if s.cfg.Interval > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Interval):
		}
	}
	if ctx.Err() != nil {
		return
	}

	frame.Timestamp = time.Now()
	geom := types.Size{Width: frame.Width, Height: frame.Height}
	slog.Debug("delivering image", "file", name, "tag", tag, "geometry", geom.String())

	sink.Post(types.FrameReady{Tag: tag, Frame: frame, Geometry: geom, HasGeometry: true})
}

// Current returns the file name of the most recently requested image.
func (s *ImageSource) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return ""
	}
	return s.names[s.current]
}

// Remaining reports how many images are left before the end of the list.
func (s *ImageSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) - s.next
}

// CurrentGeometry is the sensor geometry of the most recently requested image.
func (s *ImageSource) CurrentGeometry() (types.Size, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return types.Size{}, false
	}
	f := s.frames[s.current]
	return types.Size{Width: f.Width, Height: f.Height}, true
}

// CurrentCropRegion covers the whole corrected image.
func (s *ImageSource) CurrentCropRegion() (types.Rect, bool) {
	g, ok := s.CurrentGeometry()
	if !ok {
		return types.Rect{}, false
	}
	return types.FullFrame(g.Transposed()), true
}

// LoadFrame reads an image file and returns it as a sensor-order GRAY8 frame.
func LoadFrame(path string) (types.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return types.Frame{}, fmt.Errorf("open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode image %s: %w", path, err)
	}
	return FrameFromImage(img), nil
}

// FrameFromImage converts an upright image into a sensor-order GRAY8 frame.
// The sensor geometry is the image geometry transposed.
func FrameFromImage(img image.Image) types.Frame {
	b := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok || gray.Stride != b.Dx() || b.Min != (image.Point{}) {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	}

	// upright W x H is the corrected view of an H x W sensor frame
	sensor := types.Size{Width: b.Dy(), Height: b.Dx()}
	return types.Frame{
		Width:  sensor.Width,
		Height: sensor.Height,
		Data:   decoder.Untranspose(gray.Pix, sensor.Width, sensor.Height),
	}
}
