package main

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/people-counter-service/detections"
	"github.com/Tutortoise/people-counter-service/inference"
	"github.com/Tutortoise/people-counter-service/logger"
	"github.com/Tutortoise/people-counter-service/models"
	"github.com/Tutortoise/people-counter-service/occupancy"
	"github.com/Tutortoise/people-counter-service/stream"
)

// inferenceSession is the part of *inference.Session the pipeline drives.
type inferenceSession interface {
	Submit(tensor []float32) error
	Wait(timeout time.Duration) (inference.WaitStatus, error)
	Output(name string) ([]float32, error)
	State() inference.State
	Stats() inference.SessionStats
}

type publisher interface {
	Publish(events ...occupancy.Event) error
}

type PipelineMetrics struct {
	Frames        int64               `json:"frames"`
	Inferred      int64               `json:"inferred"`
	Skipped       int64               `json:"skipped"`
	TimedOut      int64               `json:"timed_out"`
	Failed        int64               `json:"failed"`
	Events        int64               `json:"events"`
	PublishErrors int64               `json:"publish_errors"`
	LastTimings   models.FrameTimings `json:"last_timings"`
}

// Pipeline reads frames, counts the detected objects on each and feeds the
// counts to the occupancy tracker. Every frame is written to the sink, with
// boxes and inference time drawn when inference finished in time.
type Pipeline struct {
	source       stream.Source
	sink         stream.Sink
	session      inferenceSession
	preprocessor *detections.Preprocessor
	decoder      detections.DecoderConfig
	renderer     *detections.Renderer
	tracker      *occupancy.Tracker
	publisher    publisher
	waitTimeout  time.Duration
	log          *zap.SugaredLogger

	mu      sync.Mutex
	metrics PipelineMetrics
}

type PipelineConfig struct {
	Decoder detections.DecoderConfig
	// WaitTimeout bounds each inference; inference.Infinite blocks.
	WaitTimeout time.Duration
}

func NewPipeline(
	cfg PipelineConfig,
	source stream.Source,
	sink stream.Sink,
	session inferenceSession,
	preprocessor *detections.Preprocessor,
	tracker *occupancy.Tracker,
	pub publisher,
) *Pipeline {
	return &Pipeline{
		source:       source,
		sink:         sink,
		session:      session,
		preprocessor: preprocessor,
		decoder:      cfg.Decoder,
		renderer:     detections.NewRenderer(),
		tracker:      tracker,
		publisher:    pub,
		waitTimeout:  cfg.WaitTimeout,
		log:          logger.Named("pipeline"),
	}
}

// Run processes frames until the source ends or ctx is cancelled. A failing
// source ends the run normally; only sink failures are returned.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			p.log.Infow("stopping", "reason", err)
			return nil
		}

		frame, err := p.source.Read()
		if errors.Is(err, io.EOF) {
			p.log.Infow("end of stream", "frames", p.Metrics().Frames)
			return nil
		}
		if err != nil {
			p.log.Warnw("read failed, stopping", "error", err)
			return nil
		}

		out := p.processFrame(frame)
		if err := p.sink.Write(out); err != nil {
			return errors.Wrap(err, "write frame")
		}
	}
}

// processFrame runs one frame through inference and occupancy and returns
// the frame to emit.
func (p *Pipeline) processFrame(frame *image.RGBA) *image.RGBA {
	start := time.Now()
	p.mu.Lock()
	p.metrics.Frames++
	t := models.FrameTimings{Frame: p.metrics.Frames}
	p.mu.Unlock()

	if !p.collectStale() {
		p.count(func(m *PipelineMetrics) { m.Skipped++ })
		return frame
	}

	prepStart := time.Now()
	tensor := p.preprocessor.Process(frame)
	t.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := p.session.Submit(tensor); err != nil {
		p.log.Errorw("submit failed", "frame", t.Frame, "error", err)
		p.count(func(m *PipelineMetrics) { m.Failed++ })
		return frame
	}
	status, err := p.session.Wait(p.waitTimeout)
	t.Inference = time.Since(inferStart)
	switch {
	case err != nil:
		p.log.Errorw("inference failed", "frame", t.Frame, "error", err)
		p.count(func(m *PipelineMetrics) { m.Failed++ })
		return frame
	case status == inference.TimedOut:
		p.log.Debugw("inference timed out, frame skipped", "frame", t.Frame, "timeout", p.waitTimeout)
		p.count(func(m *PipelineMetrics) { m.TimedOut++ })
		return frame
	}

	postStart := time.Now()
	output, err := p.session.Output("")
	if err != nil {
		p.log.Errorw("read output failed", "frame", t.Frame, "error", err)
		p.count(func(m *PipelineMetrics) { m.Failed++ })
		return frame
	}
	dets, err := detections.Decode(output, p.decoder)
	if err != nil {
		p.log.Errorw("decode failed", "frame", t.Frame, "error", err)
		p.count(func(m *PipelineMetrics) { m.Failed++ })
		return frame
	}

	events, err := p.tracker.Update(len(dets))
	if err != nil {
		p.log.Errorw("occupancy update failed", "frame", t.Frame, "error", err)
	}
	p.publish(t.Frame, events)
	t.Postprocess = time.Since(postStart)

	renderStart := time.Now()
	out := p.renderer.Render(frame, dets, t.Inference)
	t.Render = time.Since(renderStart)
	t.Total = time.Since(start)

	p.count(func(m *PipelineMetrics) {
		m.Inferred++
		m.LastTimings = t
	})
	logTimings(p.log, &t, len(dets))
	return out
}

// collectStale settles a request left in flight by an earlier timeout. It
// reports whether the session can take a new request.
func (p *Pipeline) collectStale() bool {
	if p.session.State() != inference.Submitted {
		return true
	}
	status, err := p.session.Wait(p.waitTimeout)
	if status == inference.TimedOut && err == nil {
		p.log.Debugw("previous request still running")
		return false
	}
	if err != nil {
		p.log.Warnw("discarding failed stale request", "error", err)
	}
	return true
}

func (p *Pipeline) publish(frame int64, events []occupancy.Event) {
	if len(events) == 0 {
		return
	}
	p.count(func(m *PipelineMetrics) { m.Events += int64(len(events)) })
	p.log.Infow("occupancy changed", "frame", frame, "events", events)
	if err := p.publisher.Publish(events...); err != nil {
		p.log.Errorw("publish failed", "frame", frame, "error", err)
		p.count(func(m *PipelineMetrics) { m.PublishErrors++ })
	}
}

func (p *Pipeline) count(update func(*PipelineMetrics)) {
	p.mu.Lock()
	update(&p.metrics)
	p.mu.Unlock()
}

func (p *Pipeline) Metrics() PipelineMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

func logTimings(log *zap.SugaredLogger, t *models.FrameTimings, detected int) {
	if !logger.Debug {
		return
	}
	log.Debugw("frame processed",
		"frame", t.Frame,
		"detections", detected,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"render", t.Render,
		"total", t.Total)
}
