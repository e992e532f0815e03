package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// Request opcodes understood by the engine process.
const (
	OpDetect  byte = 'D'
	OpExtract byte = 'E'
)

// Response status bytes.
const (
	statusOK      byte = 0
	statusError   byte = 1
	statusNoEmbed byte = 2
)

const (
	maxResponseBytes = 32 << 20
	// 4 int32 box coordinates and 6 float32 attributes
	faceRecordBytes = 40
)

var (
	// ErrEngine wraps errors reported by the engine itself.
	ErrEngine = errors.New("engine error")
	// ErrEngineBroken is returned once a call timed out and the pipe can no longer be trusted.
	// It matches detect.ErrUnavailable.
	ErrEngineBroken = fmt.Errorf("%w: engine protocol out of sync", detect.ErrUnavailable)
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Engine is a long-lived model subprocess. Requests go over stdin, responses come back on
// a dedicated pipe (FD 3) so engine logs on stdout/stderr never corrupt the stream.
//
// Wire format, both directions: [uint32 BE length][payload].
// Request payload: [op byte][data]. Response payload: [status byte][body].
type Engine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	broken bool
}

// NewEngine starts the engine process described by argv.
func NewEngine(ctx context.Context, id int, argv []string, timeout time.Duration) (*Engine, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("engine %d: empty command", id)
	}
	proc := utils.NewSafeCommand(ctx, argv[0], argv[1:]...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// The write end shows up as FD 3 in the child
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now
	w.Close()

	return &Engine{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  timeout,
	}, nil
}

// Communicate sends one request and waits for its response body.
// Engine-reported failures come back as ErrEngine with the engine's message.
func (e *Engine) Communicate(ctx context.Context, op byte, data []byte) (byte, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken {
		return 0, nil, ErrEngineBroken
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	if d, ok := e.DataPipe.(readDeadliner); ok {
		deadline := time.Time{}
		if e.Timeout > 0 {
			deadline = time.Now().Add(e.Timeout)
		}
		if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
			deadline = ctxDeadline
		}
		_ = d.SetReadDeadline(deadline)
	}

	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data)+1)); err != nil {
		return 0, nil, e.markBroken("write request header", err)
	}
	if _, err := e.Stdin.Write(append([]byte{op}, data...)); err != nil {
		return 0, nil, e.markBroken("write request body", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		// A timeout leaves a half-read response in the pipe
		return 0, nil, e.markBroken("read response header", err)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponseBytes {
		return 0, nil, e.markBroken("read response header", fmt.Errorf("invalid response length %d", respLen))
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(e.DataPipe, resp); err != nil {
		return 0, nil, e.markBroken("read response body", err)
	}

	status, body := resp[0], resp[1:]
	if status == statusError {
		return status, nil, fmt.Errorf("%w: %s", ErrEngine, decodeMessage(body))
	}
	return status, body, nil
}

// markBroken poisons the engine after a transport failure. Callers hold e.mu.
func (e *Engine) markBroken(op string, err error) error {
	e.broken = true
	return fmt.Errorf("%w: %s: %w", ErrEngineBroken, op, err)
}

// Detect implements detect.Detector.
// Body: [uint32 count] then per face [4]int32 box (left, top, right, bottom) followed by
// [6]float32 yaw, pitch, roll, eyes open, quality, spoof score.
func (e *Engine) Detect(ctx context.Context, frame []byte) ([]types.Face, error) {
	_, body, err := e.Communicate(ctx, OpDetect, frame)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("decode face count: %w", err)
	}

	if uint64(count)*faceRecordBytes > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d faces announced in a %d byte body", ErrEngine, count, len(body))
	}

	faces := make([]types.Face, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		var attrs [6]float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("decode face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &attrs); err != nil {
			return nil, fmt.Errorf("decode face %d attributes: %w", i, err)
		}
		faces = append(faces, types.Face{
			Box:        types.Rect{Left: int(box[0]), Top: int(box[1]), Right: int(box[2]), Bottom: int(box[3])},
			Pose:       types.Pose{Yaw: float64(attrs[0]), Pitch: float64(attrs[1]), Roll: float64(attrs[2])},
			EyesOpen:   float64(attrs[3]),
			Quality:    float64(attrs[4]),
			SpoofScore: float64(attrs[5]),
		})
	}
	return faces, nil
}

// Extract implements detect.Extractor.
// Body: [uint32 dim][dim]float32. Status 2 means the engine could not embed the crop.
func (e *Engine) Extract(ctx context.Context, crop []byte) ([]float32, error) {
	status, body, err := e.Communicate(ctx, OpExtract, crop)
	if err != nil {
		return nil, err
	}
	if status == statusNoEmbed {
		return nil, detect.ErrExtractionFailed
	}

	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("decode embedding size: %w", err)
	}
	if dim == 0 {
		return nil, detect.ErrExtractionFailed
	}
	if uint64(dim)*4 > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d dimensions announced in a %d byte body", ErrEngine, dim, len(body))
	}
	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite embedding", detect.ErrExtractionFailed)
		}
	}
	return vec, nil
}

// Close shuts the engine down and waits for it to exit.
func (e *Engine) Close() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return nil
	}
	return e.Cmd.Wait()
}

func decodeMessage(body []byte) string {
	if len(body) < 4 {
		return "unknown error"
	}
	n := binary.BigEndian.Uint32(body[:4])
	if int(n) > len(body)-4 {
		n = uint32(len(body) - 4)
	}
	return string(body[4 : 4+n])
}
