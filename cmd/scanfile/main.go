// Command scanfile decodes still images through the scan pipeline and prints
// the first code found in each one.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/care/orionscan/internal/decoder"
	"github.com/care/orionscan/internal/pipeline"
	"github.com/care/orionscan/internal/source"
	"github.com/care/orionscan/internal/types"
)

var errNotFound = errors.New("no code found")

type fileResult struct {
	File   string              `json:"file"`
	Text   string              `json:"text,omitempty"`
	Format string              `json:"format,omitempty"`
	Points []types.ResultPoint `json:"points,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func main() {
	formats := flag.String("formats", "", "Comma-separated formats to look for (default: all)")
	tryHarder := flag.Bool("try-harder", true, "Spend more time looking for codes")
	timeout := flag.Duration("timeout", 5*time.Second, "Per-image decode timeout")
	asJSON := flag.Bool("json", false, "Print one JSON object per image")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logLevel := slog.LevelWarn
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	hints := decoder.DefaultHints()
	hints.TryHarder = *tryHarder
	if *formats != "" {
		hints.Formats = nil
		for _, name := range strings.Split(*formats, ",") {
			f, err := types.ParseFormat(name)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			hints.Formats = append(hints.Formats, f)
		}
	}

	failed := false
	for _, path := range flag.Args() {
		out := fileResult{File: path}

		result, err := scanFile(path, hints, *timeout)
		if err != nil {
			failed = true
			out.Error = err.Error()
		} else {
			out.Text = result.Text
			out.Format = string(result.Format)
			out.Points = result.Points
		}

		if *asJSON {
			line, _ := json.Marshal(out)
			fmt.Println(string(line))
			continue
		}
		if out.Error != "" {
			fmt.Printf("%s: %s\n", path, out.Error)
		} else {
			fmt.Printf("%s: %s %s\n", path, out.Format, out.Text)
		}
	}

	if failed {
		os.Exit(1)
	}
}

// scanFile runs one image through a fresh pipeline.
//
// The image source refuses the follow-up request once its only image was
// tried, so a refusal with nothing in flight means the image holds no code.
func scanFile(path string, hints decoder.Hints, timeout time.Duration) (types.Result, error) {
	src := source.NewImageSource(source.ImageConfig{Files: []string{path}})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := src.Open(ctx); err != nil {
		return types.Result{}, err
	}
	defer src.Close()

	results := make(chan types.Result, 1)
	cfg := pipeline.DefaultConfig()
	cfg.Hints = hints
	cfg.WorkerID = "scanfile"

	controller, err := pipeline.NewController(src, cfg,
		pipeline.WithListener(pipeline.ResultListenerFunc(func(r types.Result) {
			select {
			case results <- r:
			default:
			}
		})))
	if err != nil {
		return types.Result{}, err
	}
	if err := controller.Start(ctx); err != nil {
		return types.Result{}, err
	}
	defer controller.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case r := <-results:
			return r, nil
		case <-ctx.Done():
			return types.Result{}, fmt.Errorf("decode timed out after %s", timeout)
		case <-ticker.C:
			if st := controller.Stats(); st.Refused > 0 && !st.InFlight {
				// a result may have landed between the select and Stats
				select {
				case r := <-results:
					return r, nil
				default:
				}
				return types.Result{}, errNotFound
			}
		}
	}
}
