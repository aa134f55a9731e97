package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	scoreplay "github.com/cbegin/scoreplay-go"
)

func main() {
	app := cli.App{
		Name:      "scoreplay",
		HelpName:  "scoreplay",
		Usage:     "play and render symbolic music timelines",
		UsageText: "scoreplay <command> [arguments...]",
		Commands: []cli.Command{
			{
				Name:      "play",
				Usage:     "play a timeline (JSON document or Standard MIDI File)",
				ArgsUsage: "<file>",
				Action:    play,
				Flags: []cli.Flag{
					cli.IntFlag{Name: "sample-rate", Value: 48000, Usage: "output sample rate"},
					cli.StringFlag{Name: "sample-dir", Usage: "directory of pitch-named WAV voices"},
					cli.Float64Flag{Name: "tempo-multiplier", Value: 1, Usage: "practice speed scalar (0.25..2.0)"},
					cli.Float64Flag{Name: "base-tempo", Usage: "override the piece's tempo in BPM (20..300)"},
					cli.Float64Flag{Name: "volume", Value: 1, Usage: "linear volume (0..1)"},
					cli.StringFlag{Name: "loop", Usage: "loop region as measure:beat-measure:beat, e.g. 1:1-3:1"},
				},
			},
			{
				Name:      "render",
				Usage:     "render a timeline to a WAV file offline",
				ArgsUsage: "<file>",
				Action:    render,
				Flags: []cli.Flag{
					cli.IntFlag{Name: "sample-rate", Value: 48000, Usage: "output sample rate"},
					cli.StringFlag{Name: "out", Value: "out.wav", Usage: "output WAV path"},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func play(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return cli.NewExitError("a timeline file is required", 1)
	}
	opts := []scoreplay.ControllerOption{
		scoreplay.WithVolume(ctx.Float64("volume")),
	}
	if dir := ctx.String("sample-dir"); dir != "" {
		opts = append(opts, scoreplay.WithSampleDir(dir))
	}
	c, err := scoreplay.NewController(ctx.Int("sample-rate"), opts...)
	if err != nil {
		return err
	}
	defer c.Dispose()

	if err := c.Initialize(context.Background()); err != nil {
		return err
	}
	if c.UsingFallback() {
		fmt.Println("using fallback synthesis")
	}
	if err := loadTimeline(c, path); err != nil {
		return err
	}
	if ctx.IsSet("base-tempo") {
		c.SetBaseTempo(ctx.Float64("base-tempo"))
	}
	c.SetTempoMultiplier(ctx.Float64("tempo-multiplier"))

	looping := false
	if spec := ctx.String("loop"); spec != "" {
		start, end, err := parseLoopSpec(spec)
		if err != nil {
			return err
		}
		if err := c.SetLoopRegion(start, end); err != nil {
			return err
		}
		looping = true
	}

	done := make(chan struct{})
	c.SetObservers(scoreplay.Observers{
		MeasureChange: func(measure int) {
			fmt.Printf("measure %d\n", measure)
		},
		PlaybackEnd: func() {
			close(done)
		},
	})

	c.Play()
	if looping {
		fmt.Println("looping; press Ctrl-C to stop")
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-done:
		fmt.Println("playback completed")
	case <-sig:
		c.Stop()
	}
	return nil
}

func render(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return cli.NewExitError("a timeline file is required", 1)
	}
	tl, err := readTimeline(path)
	if err != nil {
		return err
	}
	samples := scoreplay.RenderSamples(tl, ctx.Int("sample-rate"))
	wav := scoreplay.EncodeWAVFloat32LE(samples, ctx.Int("sample-rate"), 2)
	out := ctx.String("out")
	if err := os.WriteFile(out, wav, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%.1fs)\n", out, float64(len(samples)/2)/float64(ctx.Int("sample-rate")))
	return nil
}

func loadTimeline(c *scoreplay.Controller, path string) error {
	if isMIDI(path) {
		return c.LoadSMF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.LoadJSON(data)
}

func readTimeline(path string) (*scoreplay.Timeline, error) {
	if isMIDI(path) {
		return scoreplay.TimelineFromSMF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return scoreplay.ParseTimelineJSON(data)
}

func isMIDI(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mid", ".midi", ".smf":
		return true
	}
	return false
}

// parseLoopSpec parses "measure:beat-measure:beat".
func parseLoopSpec(spec string) (start, end scoreplay.Position, err error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return start, end, fmt.Errorf("invalid loop spec %q (expected m:b-m:b)", spec)
	}
	if start, err = parsePosition(parts[0]); err != nil {
		return start, end, err
	}
	if end, err = parsePosition(parts[1]); err != nil {
		return start, end, err
	}
	return start, end, nil
}

func parsePosition(s string) (scoreplay.Position, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return scoreplay.Position{}, fmt.Errorf("invalid position %q (expected measure:beat)", s)
	}
	measure, err := strconv.Atoi(parts[0])
	if err != nil {
		return scoreplay.Position{}, fmt.Errorf("invalid measure in %q", s)
	}
	beat, err := strconv.Atoi(parts[1])
	if err != nil {
		return scoreplay.Position{}, fmt.Errorf("invalid beat in %q", s)
	}
	return scoreplay.Position{Measure: measure, Beat: beat}, nil
}
