package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/api"
	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/relay"
	"github.com/andresmejia3/facegate/internal/source"
	"github.com/andresmejia3/facegate/internal/utils"
)

var (
	serveOpts Options
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline behind an HTTP control surface",
	Long: `Starts the pipeline in VERIFY mode and serves the control API on HTTP_ADDR. Frames
arrive via POST /api/v1/frames or from --input. Decisions stream over SSE on
/api/v1/events and, when MQTT_BROKER is set, are published to the broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.InputPath, "input", "i", "", "Optional camera device or stream to read frames from")
	serveCmd.Flags().StringVarP(&serveOpts.Format, "format", "f", "", "FFmpeg input format for devices (e.g. v4l2, avfoundation)")
	serveCmd.Flags().IntVar(&serveOpts.FPS, "fps", 0, "Analysis frame rate (0 keeps the source rate)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts Options) error {
	if serveAddr != "" {
		Cfg.HTTPAddr = serveAddr
	}
	if opts.InputPath != "" {
		opts.Realtime = true
		if err := validateSessionFlags(&opts); err != nil {
			utils.ShowError("Invalid flags", err, nil)
			return err
		}
	}

	engine, err := startEngine(ctx)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer engine.Close()

	p := pipeline.New(pipeline.Components{
		Detector:  engine,
		Extractor: engine,
		Aligner:   Cfg.Aligner(),
		Matcher:   Store,
	}, pipeline.ModeVerify, Cfg.PipelineConfig(), Log)

	mb := source.NewMailbox()
	defer mb.Close()

	srv := api.NewServer(Cfg.HTTPAddr, p, Store, mb, Log)

	var publisher decisionPublisher
	if Cfg.MQTT.Broker != "" {
		client, err := relay.Connect(Cfg.MQTT.Broker, Cfg.MQTT.ClientID, Cfg.MQTT.Timeout, Log)
		if err != nil {
			utils.ShowError("Failed to connect to MQTT broker", err, nil)
			return err
		}
		defer client.Disconnect(250)

		r := relay.New(client, Cfg.MQTT.TopicPrefix, Cfg.MQTT.QoS, Cfg.MQTT.Timeout, Log)
		if err := r.Listen(p); err != nil {
			utils.ShowError("Failed to subscribe to control topics", err, nil)
			return err
		}
		publisher = r
		fmt.Fprintf(os.Stderr, "📡 Relaying decisions to %s\n", Cfg.MQTT.Broker)
	}

	if opts.InputPath != "" {
		input := utils.FFmpegInput{Path: opts.InputPath, Format: opts.Format, FPS: opts.FPS, Realtime: opts.Realtime}
		ff, err := source.StartFFmpeg(ctx, input, mb, Log, nil)
		if err != nil {
			utils.ShowError("Failed to start FFmpeg", err, nil)
			return err
		}
		go func() {
			n, err := ff.Wait()
			Log.Info("input ended, pipeline stopped", "frames", n, "dropped", mb.Dropped(), "error", err)
		}()
	}

	pipeErr := make(chan error, 1)
	go func() { pipeErr <- p.Run(ctx, mb) }()
	go forwardEvents(ctx, p.Decisions(), p.Overlays(), srv, publisher, Log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Listening on %s (mode: %s)\n", Cfg.HTTPAddr, p.Mode())

	var runErr error
	select {
	case err := <-errCh:
		if err != nil {
			utils.ShowError("HTTP server failed", err, nil)
		}
		return err
	case err := <-pipeErr:
		// Only an unavailable engine ends Run early; an ended input leaves the API up
		if errors.Is(err, detect.ErrUnavailable) {
			utils.ShowError("AI engine stopped responding", err, engine.Cmd)
			runErr = err
			break
		}
		if err != nil && ctx.Err() == nil {
			Log.Error("pipeline stopped", "error", err)
		}
		<-ctx.Done()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		Log.Warn("http shutdown incomplete", "error", err)
	}
	fmt.Fprintln(os.Stderr, "👋 Stopped.")
	return runErr
}

type decisionSink interface {
	HandleDecision(d pipeline.Decision)
	HandleOverlay(o pipeline.Overlay)
}

type decisionPublisher interface {
	Publish(d pipeline.Decision) error
}

// forwardEvents fans pipeline output out to the HTTP listeners and, if configured, the
// broker. A failed publish is logged and the decision still reaches HTTP listeners.
func forwardEvents(ctx context.Context, decisions <-chan pipeline.Decision, overlays <-chan pipeline.Overlay, sink decisionSink, pub decisionPublisher, log *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-decisions:
			sink.HandleDecision(d)
			if pub == nil {
				continue
			}
			if err := pub.Publish(d); err != nil {
				log.Warn("failed to relay decision", "kind", d.Kind(), "error", err)
			}
		case o := <-overlays:
			sink.HandleOverlay(o)
		}
	}
}
