// Package patch pumps media frames from one source stream to any
// number of sink streams, converting formats per sink as needed. One
// goroutine serves one patch; everything else is control plane.
package patch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/transcode"
)

// ErrAlreadyStarted is returned by Start when the pump is running.
var ErrAlreadyStarted = errors.New("media patch already started")

// Sink is one destination of a patch: a sink stream plus the
// conversion chain that turns source-format frames into its format.
type Sink struct {
	stream     media.Stream
	primary    transcode.Transcoder
	secondary  transcode.Transcoder
	payloadMap media.PayloadMap
}

// Stream returns the underlying sink stream.
func (s *Sink) Stream() media.Stream { return s.stream }

// Patch connects a source stream to its sinks. Frames read from the
// source pass through each sink's transcoder chain and payload map
// before being written. A failing sink is logged and skipped for that
// frame; the other sinks keep flowing.
type Patch struct {
	id     string
	source media.Stream

	mu    sync.RWMutex
	sinks []*Sink

	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once

	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	bytesIn    atomic.Uint64
	writeFails atomic.Uint64
}

// New creates a patch for the given source stream. Sinks are attached
// with AddSink; nothing flows until Start.
func New(source media.Stream) *Patch {
	return &Patch{
		id:     "patch-" + uuid.New().String(),
		source: source,
		done:   make(chan struct{}),
	}
}

// ID returns the unique patch identifier.
func (p *Patch) ID() string { return p.id }

// Source returns the source stream driving the patch.
func (p *Patch) Source() media.Stream { return p.source }

// AddSink attaches a sink stream with its conversion chain. Safe while
// the pump is running.
func (p *Patch) AddSink(stream media.Stream, path transcode.Path, payloadMap media.PayloadMap) *Sink {
	sink := &Sink{
		stream:     stream,
		primary:    path.Primary,
		secondary:  path.Secondary,
		payloadMap: payloadMap,
	}
	p.mu.Lock()
	p.sinks = append(p.sinks, sink)
	p.mu.Unlock()

	slog.Debug("[Patch] Sink added",
		"patch_id", p.id,
		"sink_stream_id", stream.ID(),
		"source_format", p.source.Format().Name,
		"sink_format", stream.Format().Name,
		"transcoded", path.Primary != nil)
	return sink
}

// RemoveSink detaches a sink stream. The stream itself is not closed;
// its owning connection does that.
func (p *Patch) RemoveSink(stream media.Stream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sinks {
		if s.stream.ID() == stream.ID() {
			p.sinks = append(p.sinks[:i], p.sinks[i+1:]...)
			return true
		}
	}
	return false
}

// SinkCount returns the number of attached sinks.
func (p *Patch) SinkCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sinks)
}

// Start launches the pump goroutine.
func (p *Patch) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	slog.Info("[Patch] Starting",
		"patch_id", p.id,
		"source_stream_id", p.source.ID(),
		"source_format", p.source.Format().Name)
	go p.pump()
	return nil
}

// Close tears the patch down: the source stream is closed to unblock
// the pump, the pump is joined, then all sink streams are closed.
// Idempotent and safe from any goroutine.
func (p *Patch) Close() {
	p.closeOnce.Do(func() {
		_ = p.source.Close()
		if p.started.Load() {
			<-p.done
		} else {
			p.stop()
		}
		slog.Info("[Patch] Closed",
			"patch_id", p.id,
			"frames_in", p.framesIn.Load(),
			"frames_out", p.framesOut.Load())
	})
}

// Done returns a channel closed when the pump has exited.
func (p *Patch) Done() <-chan struct{} { return p.done }

// Stats returns frames read, frames written and failed writes.
func (p *Patch) Stats() (framesIn, framesOut, writeFailures uint64) {
	return p.framesIn.Load(), p.framesOut.Load(), p.writeFails.Load()
}

// pump is the patch goroutine: read a source frame, fan it out to every
// sink through its conversion chain, repeat until the source closes.
func (p *Patch) pump() {
	defer p.stop()

	for {
		frame, err := p.source.ReadFrame()
		if err != nil {
			if !errors.Is(err, media.ErrClosed) {
				slog.Warn("[Patch] Source read failed", "patch_id", p.id, "error", err)
			}
			return
		}
		p.framesIn.Add(1)
		p.bytesIn.Add(uint64(len(frame.Payload)))

		p.mu.RLock()
		sinks := make([]*Sink, len(p.sinks))
		copy(sinks, p.sinks)
		p.mu.RUnlock()

		for _, sink := range sinks {
			if err := p.writeSink(sink, frame); err != nil {
				p.writeFails.Add(1)
				if !errors.Is(err, media.ErrClosed) {
					slog.Warn("[Patch] Sink write failed",
						"patch_id", p.id,
						"sink_stream_id", sink.stream.ID(),
						"error", err)
				}
			}
		}
	}
}

// writeSink runs one frame through the sink's conversion chain and
// delivers every resulting frame.
func (p *Patch) writeSink(sink *Sink, frame media.Frame) error {
	frames := []media.Frame{frame}

	if sink.primary != nil {
		converted, err := sink.primary.Transcode(frame)
		if err != nil {
			return fmt.Errorf("primary transcode: %w", err)
		}
		frames = converted
	}
	if sink.secondary != nil {
		var out []media.Frame
		for _, f := range frames {
			converted, err := sink.secondary.Transcode(f)
			if err != nil {
				return fmt.Errorf("secondary transcode: %w", err)
			}
			out = append(out, converted...)
		}
		frames = out
	}

	for _, f := range frames {
		sink.payloadMap.Apply(&f)
		if err := sink.stream.WriteFrame(f); err != nil {
			return err
		}
		p.framesOut.Add(1)
	}
	return nil
}

// stop closes all sink streams and signals pump completion. Runs once,
// either from the pump's exit or from Close on a never-started patch.
func (p *Patch) stop() {
	p.stopOnce.Do(func() {
		p.mu.RLock()
		sinks := make([]*Sink, len(p.sinks))
		copy(sinks, p.sinks)
		p.mu.RUnlock()
		for _, s := range sinks {
			_ = s.stream.Close()
		}
		close(p.done)
	})
}
