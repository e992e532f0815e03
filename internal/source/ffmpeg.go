package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

const megabyte = 1024 * 1024

// Pump cuts a concatenated MJPEG stream into frames and offers each to mb until r is
// exhausted or ctx is done. stamp assigns the timestamp of frame i. It returns the number of
// frames read.
func Pump(ctx context.Context, r io.Reader, mb *Mailbox, stamp func(i int) time.Time, onFrame func(types.Frame)) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		// The scanner reuses its buffer
		data := append([]byte(nil), scanner.Bytes()...)
		f := types.Frame{Index: n, Data: data, Timestamp: stamp(n)}
		mb.Offer(f)
		if onFrame != nil {
			onFrame(f)
		}
		n++
	}
	return n, scanner.Err()
}

// WallClock stamps frames with the time they were read. Used for live sources.
func WallClock(int) time.Time { return time.Now() }

// FrameClock stamps frame i at start + i/fps, so file inputs decoded faster than real time
// still see correct hold and timeout durations.
func FrameClock(start time.Time, fps int) func(int) time.Time {
	if fps <= 0 {
		return WallClock
	}
	step := time.Second / time.Duration(fps)
	return func(i int) time.Time { return start.Add(time.Duration(i) * step) }
}

// FFmpeg is a running decoder feeding a Mailbox.
type FFmpeg struct {
	cmd    *exec.Cmd
	stderr bytes.Buffer
	done   chan struct{}
	frames int
	err    error
}

// StartFFmpeg launches ffmpeg for in and pumps its frames into mb in the background. The
// mailbox is closed when the stream ends.
func StartFFmpeg(ctx context.Context, in utils.FFmpegInput, mb *Mailbox, log *logger.Logger, onFrame func(types.Frame)) (*FFmpeg, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	stamp := WallClock
	if !in.Realtime && in.FPS > 0 {
		stamp = FrameClock(time.Now(), in.FPS)
	}
	return startDecoder(ctx, utils.NewFFmpegCmd(ctx, in), mb, stamp, log, onFrame)
}

// startDecoder runs cmd and pumps the MJPEG stream on its stdout into mb.
func startDecoder(ctx context.Context, cmd *exec.Cmd, mb *Mailbox, stamp func(int) time.Time, log *logger.Logger, onFrame func(types.Frame)) (*FFmpeg, error) {
	f := &FFmpeg{cmd: cmd, done: make(chan struct{})}
	f.cmd.Stderr = &f.stderr
	f.cmd.WaitDelay = 5 * time.Second

	out, err := f.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := f.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		defer close(f.done)
		defer mb.Close()

		n, pumpErr := Pump(ctx, out, mb, stamp, onFrame)
		f.frames = n
		if pumpErr != nil && ctx.Err() == nil {
			// Nobody reads stdout any more; a live decoder would block on the full pipe
			_ = f.cmd.Process.Kill()
		}
		waitErr := f.cmd.Wait()

		switch {
		case ctx.Err() != nil:
			f.err = ctx.Err()
		case pumpErr != nil:
			f.err = fmt.Errorf("read frames: %w", pumpErr)
		case waitErr != nil:
			f.err = fmt.Errorf("ffmpeg: %w: %s", waitErr, strings.TrimSpace(f.stderr.String()))
		}
		log.Debug("ffmpeg finished", "frames", n, "dropped", mb.Dropped(), "error", f.err)
	}()
	return f, nil
}

// Wait blocks until the stream ends and returns the frame count and any decoder error.
func (f *FFmpeg) Wait() (int, error) {
	<-f.done
	return f.frames, f.err
}
