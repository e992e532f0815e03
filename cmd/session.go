package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/source"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
)

var errNoDecision = errors.New("stream ended before a decision was reached")

func addSessionFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.InputPath, "input", "i", "", "Video file, camera device (e.g. /dev/video0) or stream URL")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "", "FFmpeg input format for devices (e.g. v4l2, avfoundation)")
	cmd.Flags().IntVar(&opts.FPS, "fps", 0, "Analysis frame rate (0 keeps the source rate)")
	cmd.Flags().BoolVar(&opts.Realtime, "realtime", false, "Read file inputs at native speed, like a live camera")
	cmd.MarkFlagRequired("input")
}

// startEngine launches the model subprocess configured by ENGINE_COMMAND.
func startEngine(ctx context.Context) (*worker.Engine, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	e, err := worker.NewEngine(ctx, 0, Cfg.EngineArgv(), Cfg.Engine.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	return e, nil
}

// isLiveInput reports whether the input is a device or stream rather than a local file.
func isLiveInput(opts Options) bool {
	if opts.Format != "" {
		return true
	}
	u, err := url.Parse(opts.InputPath)
	return err == nil && u.Scheme != "" && len(u.Scheme) > 1
}

func validateSessionFlags(opts *Options) error {
	if opts.InputPath == "" {
		return errors.New("input is required")
	}
	if !isLiveInput(*opts) {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
		}
	}
	if opts.FPS < 0 {
		return fmt.Errorf("fps must be >= 0, got %d", opts.FPS)
	}
	if opts.MatchThreshold < 0 || opts.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be between 0.0 and 1.0, got %f", opts.MatchThreshold)
	}
	return nil
}

// runSession streams frames from the input through the pipeline in the given mode until
// the first decision, then acts on it.
func runSession(ctx context.Context, mode pipeline.Mode, opts Options) error {
	if err := validateSessionFlags(&opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}

	engine, err := startEngine(ctx)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer engine.Close()

	cfg := Cfg.PipelineConfig()
	if opts.MatchThreshold > 0 {
		cfg.MatchThreshold = opts.MatchThreshold
	}
	p := pipeline.New(pipeline.Components{
		Detector:  engine,
		Extractor: engine,
		Aligner:   Cfg.Aligner(),
		Matcher:   Store,
	}, mode, cfg, Log)

	total := -1
	if !isLiveInput(opts) && !opts.Realtime {
		if n := utils.GetTotalFrames(opts.InputPath); n > 0 {
			total = n
		}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("🎥 %s", mode)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mb := source.NewMailbox()
	input := utils.FFmpegInput{Path: opts.InputPath, Format: opts.Format, FPS: opts.FPS, Realtime: opts.Realtime}
	ff, err := source.StartFFmpeg(sessionCtx, input, mb, Log, func(types.Frame) { bar.Add(1) })
	if err != nil {
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(sessionCtx, mb) }()

	fmt.Fprintf(os.Stderr, "👀 %s\n", modeHint(mode))
	decision, err := awaitDecision(sessionCtx, p, runDone)

	p.SetRunning(false)
	cancel()
	frames, _ := ff.Wait()
	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n🏁 Read %d frames, %d dropped while the engine was busy.\n", frames, mb.Dropped())

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		switch {
		case errors.Is(err, errNoDecision):
			fmt.Println("⚠️  " + err.Error() + ".")
		case errors.Is(err, detect.ErrUnavailable):
			utils.ShowError("AI engine stopped responding", err, engine.Cmd)
		default:
			utils.ShowError("Pipeline failed", err, nil)
		}
		return err
	}
	return handleDecision(ctx, decision, opts, bufio.NewReader(os.Stdin), os.Stdout)
}

func modeHint(mode pipeline.Mode) string {
	switch mode {
	case pipeline.ModeRegister:
		return "Look straight at the camera and hold still..."
	case pipeline.ModeLiveness:
		return "Follow the prompts..."
	default:
		return "Looking for a known face..."
	}
}

// awaitDecision blocks until the pipeline emits a decision. Liveness prompts are echoed as
// they change.
func awaitDecision(ctx context.Context, p *pipeline.Pipeline, runDone <-chan error) (pipeline.Decision, error) {
	lastPrompt := ""
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d := <-p.Decisions():
			return d, nil
		case o := <-p.Overlays():
			if o.Prompt != "" && o.Prompt != lastPrompt {
				fmt.Fprintf(os.Stderr, "\n👉 %s\n", o.Prompt)
				lastPrompt = o.Prompt
			}
		case err := <-runDone:
			// The last frame may have produced the decision
			select {
			case d := <-p.Decisions():
				return d, nil
			default:
			}
			if err != nil {
				return nil, err
			}
			return nil, errNoDecision
		}
	}
}

func handleDecision(ctx context.Context, d pipeline.Decision, opts Options, in *bufio.Reader, out io.Writer) error {
	switch d := d.(type) {
	case pipeline.EnrollmentReady:
		id, name, err := enrollCapture(ctx, Store, d, opts.Name, in, out)
		if err != nil {
			utils.ShowError("Enrollment failed", err, nil)
			return err
		}
		fmt.Fprintf(out, "✅ Enrolled %s (ID: %d)\n", name, id)

	case pipeline.VerifyResult:
		if !d.Success {
			fmt.Fprintf(out, "❌ Not recognized (best similarity %.2f)\n", d.Score)
			return nil
		}
		fmt.Fprintf(out, "✅ Verified: %s (ID: %d, similarity %.2f)\n", d.Name, d.ID, d.Score)

	case pipeline.LivenessResult:
		if !d.Passed {
			fmt.Fprintf(out, "❌ Liveness check failed: %s\n", d.Reason)
			return nil
		}
		fmt.Fprintln(out, "✅ Liveness check passed")
	}
	return nil
}

// enrollCapture stores a frozen capture. Without a preset name the user is prompted, with
// the next default name offered; duplicates are re-prompted until input runs out.
func enrollCapture(ctx context.Context, st *store.Store, ready pipeline.EnrollmentReady, preset string, in *bufio.Reader, out io.Writer) (int64, string, error) {
	for {
		name, last := preset, preset != ""
		if name == "" {
			var err error
			name, err = promptName(in, out, st.NextDefaultName())
			if errors.Is(err, io.EOF) {
				last = true
			} else if err != nil {
				return 0, "", err
			}
		}

		id, err := st.Insert(ctx, name, ready.Image, ready.Embedding)
		switch {
		case err == nil:
			return id, strings.TrimSpace(name), nil
		case errors.Is(err, store.ErrDuplicateName) && !last:
			fmt.Fprintf(out, "⚠️  %q is already enrolled, pick another name.\n", strings.TrimSpace(name))
		default:
			return 0, "", err
		}
	}
}

// promptName reads one line and falls back to the suggested name on an empty answer. At
// end of input the answer is still returned, together with io.EOF.
func promptName(in *bufio.Reader, out io.Writer, suggested string) (string, error) {
	fmt.Fprintf(out, "📝 Name for this face [%s]: ", suggested)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	name := strings.TrimSpace(line)
	if name == "" {
		name = suggested
	}
	return name, err
}
