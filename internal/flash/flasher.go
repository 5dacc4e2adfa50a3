package flash

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/espfleet/internal/board"
	"github.com/shaunagostinho/espfleet/internal/firmware"
)

// BoardStore is the slice of server state the executor needs: port
// lookup, status transitions, and the per-board exclusive lock.
type BoardStore interface {
	PortFor(boardID string) (string, bool)
	SetStatus(boardID string, status board.Status, reason string)
	TryLockBoard(boardID string) bool
	UnlockBoard(boardID string)
}

// DeviceWriter writes assembled segments to a physical device.
type DeviceWriter interface {
	Write(ctx context.Context, port string, segs []firmware.Segment, progress func(Progress)) error
}

// Progress is a point-in-time snapshot of a running flash.
type Progress struct {
	Phase        string `json:"phase"`
	SegmentIndex int    `json:"segment_index"`
	SegmentName  string `json:"segment_name"`
	BytesWritten int    `json:"bytes_written"`
	TotalBytes   int    `json:"total_bytes"`
}

// Request is a validated-later flash job: an explicit segment plan plus
// optional flash parameters.
type Request struct {
	BoardID   string
	Segments  []firmware.Segment
	FlashMode string
	FlashFreq string
	FlashSize string
}

// LegacyRequest wraps a single binary as a one-segment plan at the
// conventional application offset. It flows through the same write
// path as explicit plans.
func LegacyRequest(boardID string, data []byte) Request {
	return Request{
		BoardID: boardID,
		Segments: []firmware.Segment{{
			Offset:   firmware.DefaultAppOffset,
			Name:     "application",
			FileName: "firmware.bin",
			Data:     data,
		}},
	}
}

// Response reports the outcome of a flash job. Failures are data, not
// transport errors.
type Response struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	FlashID    string    `json:"flash_id,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Progress   *Progress `json:"progress,omitempty"`
}

// ErrValidation marks requests rejected before any device I/O.
var ErrValidation = errors.New("invalid flash request")

func failure(start time.Time, err error) Response {
	return Response{
		Success:    false,
		Message:    err.Error(),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// Executor runs flash jobs against boards held in a BoardStore.
type Executor struct {
	Boards BoardStore
	Writer DeviceWriter
}

// Flash validates and executes one job. The board is marked flashing for
// the duration, then returned to available or parked in error state.
// Duration is reported for every outcome.
func (e *Executor) Flash(ctx context.Context, req Request) Response {
	start := time.Now()

	port, ok := e.Boards.PortFor(req.BoardID)
	if !ok {
		return failure(start, fmt.Errorf("%w: %s", board.ErrNotFound, req.BoardID))
	}
	if err := validate(req.Segments); err != nil {
		return failure(start, err)
	}
	if !e.Boards.TryLockBoard(req.BoardID) {
		return failure(start, fmt.Errorf("%w: %s", board.ErrBusy, req.BoardID))
	}
	defer e.Boards.UnlockBoard(req.BoardID)

	segs := append([]firmware.Segment(nil), req.Segments...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Offset < segs[j].Offset })
	if err := firmware.CheckOverlap(segs); err != nil {
		return failure(start, fmt.Errorf("%w: %v", ErrValidation, err))
	}

	flashID := uuid.New().String()
	log.Printf("[flash] %s: job %s, %d segment(s) on %s", req.BoardID, flashID, len(segs), port)
	e.Boards.SetStatus(req.BoardID, board.StatusFlashing, "")

	var last Progress
	err := e.Writer.Write(ctx, port, segs, func(p Progress) { last = p })
	duration := time.Since(start)

	if err != nil {
		e.Boards.SetStatus(req.BoardID, board.StatusError, err.Error())
		log.Printf("[flash] %s: job %s failed after %v: %v", req.BoardID, flashID, duration, err)
		return Response{
			Success:    false,
			Message:    fmt.Sprintf("flash failed: %v", err),
			FlashID:    flashID,
			DurationMs: duration.Milliseconds(),
			Progress:   &last,
		}
	}

	e.Boards.SetStatus(req.BoardID, board.StatusAvailable, "")
	log.Printf("[flash] %s: job %s done in %v", req.BoardID, flashID, duration)
	return Response{
		Success:    true,
		Message:    fmt.Sprintf("flashed %d segment(s) in %v", len(segs), duration.Round(time.Millisecond)),
		FlashID:    flashID,
		DurationMs: duration.Milliseconds(),
		Progress:   &last,
	}
}

// validate rejects empty plans and empty segments before any device
// I/O. Offending segments are listed as index:name.
func validate(segs []firmware.Segment) error {
	if len(segs) == 0 {
		return fmt.Errorf("%w: no segments in request", ErrValidation)
	}
	var empty []string
	for i, s := range segs {
		if len(s.Data) == 0 {
			empty = append(empty, fmt.Sprintf("%d:%s", i, s.Name))
		}
	}
	if len(empty) > 0 {
		return fmt.Errorf("%w: empty segment data: %s", ErrValidation, strings.Join(empty, ", "))
	}
	return nil
}
