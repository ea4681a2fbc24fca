package stream

import (
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/Tutortoise/people-counter-service/config"
	"github.com/Tutortoise/people-counter-service/logger"
)

const (
	TargetStdout = "stdout"
	TargetNone   = "none"
)

// Sink consumes annotated frames.
type Sink interface {
	Write(frame *image.RGBA) error
	Close() error
}

// NewSink builds the frame output for cfg. Image input additionally saves the
// annotated frame to cfg.Image.
func NewSink(cfg config.OutputConfig, stdout io.Writer, kind Kind, width, height, fps int) (Sink, error) {
	var sinks MultiSink
	switch cfg.Target {
	case TargetNone:
	case TargetStdout, "":
		sinks = append(sinks, NewRawSink(stdout))
	default:
		enc, err := NewEncoderSink(cfg, width, height, fps)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, enc)
	}
	if kind == KindImage && cfg.Image != "" {
		sinks = append(sinks, NewImageSink(cfg.Image))
	}
	return sinks, nil
}

// RawSink writes frames as packed BGR24, the layout ffmpeg reads with
// -f rawvideo -pix_fmt bgr24.
type RawSink struct {
	w   io.Writer
	buf []byte
}

func NewRawSink(w io.Writer) *RawSink {
	return &RawSink{w: w}
}

func (s *RawSink) Write(frame *image.RGBA) error {
	b := frame.Bounds()
	n := b.Dx() * b.Dy() * 3
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	buf := s.buf[:n]

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := frame.Pix[frame.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			px := row[x*4 : x*4+3]
			buf[i], buf[i+1], buf[i+2] = px[2], px[1], px[0]
			i += 3
		}
	}

	if _, err := s.w.Write(buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (s *RawSink) Close() error { return nil }

// EncoderSink pipes raw frames into an ffmpeg process that encodes them to a
// file or streaming URL.
type EncoderSink struct {
	raw  *RawSink
	pipe *io.PipeWriter

	wg     sync.WaitGroup
	runErr error
}

func NewEncoderSink(cfg config.OutputConfig, width, height, fps int) (*EncoderSink, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Newf("invalid output size %dx%d", width, height)
	}
	if fps <= 0 {
		fps = 1
	}

	outArgs := ffmpeg.KwArgs{}
	if cfg.Format != "" {
		outArgs["format"] = cfg.Format
	}
	if cfg.Codec != "" {
		outArgs["c:v"] = cfg.Codec
	}

	log := logger.Named("encoder")
	stderr := &zapio.Writer{Log: log.Desugar(), Level: zapcore.DebugLevel}
	pr, pw := io.Pipe()
	cmd := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "bgr24",
		"s":         fmt.Sprintf("%dx%d", width, height),
		"framerate": fps,
	}).
		Output(cfg.Target, outArgs).
		OverWriteOutput().
		WithInput(pr).
		WithErrorOutput(stderr)

	s := &EncoderSink{raw: NewRawSink(pw), pipe: pw}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runErr = cmd.Run()
		_ = stderr.Close()
		// Unblock a writer if the encoder dies first.
		_ = pr.CloseWithError(errors.New("encoder exited"))
	}()

	log.Infow("encoding output", "target", cfg.Target, "format", cfg.Format, "width", width, "height", height, "fps", fps)
	return s, nil
}

func (s *EncoderSink) Write(frame *image.RGBA) error {
	return s.raw.Write(frame)
}

// Close ends the input stream and waits for the encoder to finish.
func (s *EncoderSink) Close() error {
	err := s.pipe.Close()
	s.wg.Wait()
	if s.runErr != nil {
		err = multierr.Append(err, errors.Wrap(s.runErr, "encoder"))
	}
	return err
}

// ImageSink saves each frame to a file; the format follows its extension.
type ImageSink struct {
	path string
}

func NewImageSink(path string) *ImageSink {
	return &ImageSink{path: path}
}

func (s *ImageSink) Write(frame *image.RGBA) error {
	if err := imaging.Save(frame, s.path); err != nil {
		return errors.Wrapf(err, "save %s", s.path)
	}
	return nil
}

func (s *ImageSink) Close() error { return nil }

// MultiSink writes every frame to each sink in order.
type MultiSink []Sink

func (m MultiSink) Write(frame *image.RGBA) error {
	for _, s := range m {
		if err := s.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
