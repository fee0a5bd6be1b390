package gstsource

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// sinkName is the appsink name a custom launch line must use.
const sinkName = "sink"

// elements holds the pipeline pieces the source needs after creation.
type elements struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
}

// buildPipeline creates the capture pipeline, configured but not started.
//
// Pipeline structure (one of):
//
//	custom launch line ... ! appsink name=sink
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale → capsfilter(GRAY8) → appsink
//	v4l2src → videoconvert → videoscale → capsfilter(GRAY8) → appsink
func buildPipeline(cfg Config) (*elements, error) {
	gst.Init(nil)

	if cfg.Launch != "" {
		return buildFromLaunch(cfg.Launch)
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(grayCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := newAppSink()
	if err != nil {
		return nil, err
	}

	tail := []*gst.Element{converter, scaler, capsfilter, appsink.Element}

	if cfg.RTSPURL != "" {
		rtspsrc, err := gst.NewElement("rtspsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
		}
		rtspsrc.SetProperty("location", cfg.RTSPURL)
		rtspsrc.SetProperty("protocols", 4) // TCP only
		rtspsrc.SetProperty("latency", 200)

		depay, err := gst.NewElement("rtph264depay")
		if err != nil {
			return nil, fmt.Errorf("failed to create rtph264depay: %w", err)
		}
		decoder, err := gst.NewElement("avdec_h264")
		if err != nil {
			return nil, fmt.Errorf("failed to create avdec_h264: %w", err)
		}

		chain := append([]*gst.Element{depay, decoder}, tail...)
		if err := pipeline.AddMany(append([]*gst.Element{rtspsrc}, chain...)...); err != nil {
			return nil, fmt.Errorf("failed to add elements: %w", err)
		}
		// rtspsrc has dynamic pads, linked in pad-added
		if err := gst.ElementLinkMany(chain...); err != nil {
			return nil, fmt.Errorf("failed to link rtsp pipeline: %w", err)
		}
		rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			onPadAdded(srcPad, depay)
		})

		slog.Info("gstsource: rtsp pipeline created", "url", cfg.RTSPURL, "caps", grayCaps(cfg.Width, cfg.Height, cfg.FPS))
		return &elements{pipeline: pipeline, appsink: appsink}, nil
	}

	v4l2, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	v4l2.SetProperty("device", cfg.Device)

	chain := append([]*gst.Element{v4l2}, tail...)
	if err := pipeline.AddMany(chain...); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("failed to link v4l2 pipeline: %w", err)
	}

	slog.Info("gstsource: v4l2 pipeline created", "device", cfg.Device, "caps", grayCaps(cfg.Width, cfg.Height, cfg.FPS))
	return &elements{pipeline: pipeline, appsink: appsink}, nil
}

func buildFromLaunch(launch string) (*elements, error) {
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("failed to parse launch line: %w", err)
	}
	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		return nil, fmt.Errorf("launch line has no appsink named %q: %w", sinkName, err)
	}
	appsink := app.SinkFromElement(elem)
	configureAppSink(appsink)

	slog.Info("gstsource: custom pipeline created", "launch", launch)
	return &elements{pipeline: pipeline, appsink: appsink}, nil
}

func newAppSink() (*app.Sink, error) {
	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	configureAppSink(appsink)
	return appsink, nil
}

func configureAppSink(appsink *app.Sink) {
	appsink.SetProperty("sync", false)    // real time, no clock sync
	appsink.SetProperty("max-buffers", 1) // keep only the latest frame
	appsink.SetProperty("drop", true)
}

// destroyPipeline sets the pipeline to NULL, releasing the device.
func destroyPipeline(e *elements) error {
	if e == nil || e.pipeline == nil {
		return nil
	}
	if err := e.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// grayCaps builds the appsink caps: 8-bit luminance at the preview geometry.
func grayCaps(width, height, fps int) string {
	caps := fmt.Sprintf("video/x-raw,format=GRAY8,width=%d,height=%d", width, height)
	if fps > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", fps)
	}
	return caps
}
