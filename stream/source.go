package stream

import (
	"context"
	"image"
	"image/draw"
	"io"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/Tutortoise/people-counter-service/config"
	"github.com/Tutortoise/people-counter-service/logger"
)

// Source yields frames until io.EOF.
type Source interface {
	Read() (*image.RGBA, error)
	Size() (width, height int)
	FPS() int
	Close() error
}

// Open classifies input and opens the matching source.
func Open(ctx context.Context, input string, cfg config.StreamConfig) (Source, Kind, error) {
	kind, err := Classify(input)
	if err != nil {
		return nil, 0, err
	}

	var src Source
	switch kind {
	case KindImage:
		src, err = OpenImage(input)
	case KindVideo:
		src, err = OpenVideo(ctx, input, nil, cfg.FPS)
	case KindCamera:
		src, err = OpenCamera(ctx, cfg)
	}
	if err != nil {
		return nil, 0, err
	}
	return src, kind, nil
}

// ImageSource yields a single still image at 1 fps.
type ImageSource struct {
	frame *image.RGBA
	read  bool
}

func OpenImage(path string) (*ImageSource, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	return &ImageSource{frame: toRGBA(img)}, nil
}

func (s *ImageSource) Read() (*image.RGBA, error) {
	if s.read {
		return nil, io.EOF
	}
	s.read = true
	return s.frame, nil
}

func (s *ImageSource) Size() (int, int) {
	b := s.frame.Bounds()
	return b.Dx(), b.Dy()
}

func (s *ImageSource) FPS() int { return 1 }

func (s *ImageSource) Close() error { return nil }

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// FFmpegSource decodes a video file or capture device to raw RGB frames
// through an ffmpeg process.
type FFmpegSource struct {
	info   VideoInfo
	frames *rawReader
	pipe   *io.PipeReader
	cancel context.CancelFunc

	wg     sync.WaitGroup
	mu     sync.Mutex
	runErr error
}

// OpenVideo probes filename and starts decoding it. inputArgs are passed to
// both ffprobe and ffmpeg; fallbackFPS is used when the stream reports none.
func OpenVideo(ctx context.Context, filename string, inputArgs ffmpeg.KwArgs, fallbackFPS int) (*FFmpegSource, error) {
	info, err := ProbeVideo(filename, inputArgs)
	if err != nil {
		return nil, err
	}
	if info.FPS <= 0 {
		logger.Logger.Warnw("stream reports no frame rate", "input", filename, "fallback_fps", fallbackFPS)
		info.FPS = fallbackFPS
	}

	log := logger.Named("ffmpeg")
	log.Infow("decoding stream", "input", filename, "width", info.Width, "height", info.Height, "fps", info.FPS)

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &FFmpegSource{
		info:   info,
		frames: newRawReader(pr, info.Width, info.Height),
		pipe:   pr,
		cancel: cancel,
	}

	stderr := &zapio.Writer{Log: log.Desugar(), Level: zapcore.DebugLevel}
	cmd := inputStream(filename, inputArgs).
		Output("pipe:", ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgb24"}).
		WithOutput(pw).
		WithErrorOutput(stderr)
	cmd.Context = ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Run()
		if err != nil && ctx.Err() == nil {
			log.Warnw("ffmpeg exited", "input", filename, "error", err)
		}
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		_ = stderr.Close()
		// Readers see EOF once the process is gone.
		_ = pw.CloseWithError(io.EOF)
	}()
	return s, nil
}

func inputStream(filename string, args ffmpeg.KwArgs) *ffmpeg.Stream {
	if len(args) == 0 {
		return ffmpeg.Input(filename)
	}
	return ffmpeg.Input(filename, args)
}

// OpenCamera captures from cfg.Camera, or the platform default device.
func OpenCamera(ctx context.Context, cfg config.StreamConfig) (*FFmpegSource, error) {
	format, device := cameraInput(runtime.GOOS)
	if cfg.Camera != "" {
		device = cfg.Camera
	}
	if device == "" {
		return nil, errors.WithHint(
			errors.Newf("no default camera on %s", runtime.GOOS),
			"set stream.camera to the capture device name",
		)
	}
	return OpenVideo(ctx, device, ffmpeg.KwArgs{"f": format}, cfg.FPS)
}

func cameraInput(goos string) (format, device string) {
	switch goos {
	case "darwin":
		return "avfoundation", "0"
	case "windows":
		return "dshow", ""
	}
	return "v4l2", "/dev/video0"
}

// Read returns the next frame. The returned image is reused by the next
// call. At end of stream it returns io.EOF.
func (s *FFmpegSource) Read() (*image.RGBA, error) {
	frame, err := s.frames.Read()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return frame, err
}

func (s *FFmpegSource) Size() (int, int) { return s.info.Width, s.info.Height }

func (s *FFmpegSource) FPS() int { return s.info.FPS }

// Close stops the decoder and waits for it to exit.
func (s *FFmpegSource) Close() error {
	s.cancel()
	err := s.pipe.Close()
	s.wg.Wait()
	return err
}

// Err reports how the decoder process ended, once it has.
func (s *FFmpegSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// rawReader reads packed rgb24 frames of a fixed size.
type rawReader struct {
	r     io.Reader
	buf   []byte
	frame *image.RGBA
}

func newRawReader(r io.Reader, width, height int) *rawReader {
	return &rawReader{
		r:     r,
		buf:   make([]byte, width*height*3),
		frame: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

func (r *rawReader) Read() (*image.RGBA, error) {
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return nil, err
	}
	pix := r.frame.Pix
	for i, j := 0, 0; i < len(r.buf); i, j = i+3, j+4 {
		pix[j] = r.buf[i]
		pix[j+1] = r.buf[i+1]
		pix[j+2] = r.buf[i+2]
		pix[j+3] = 0xff
	}
	return r.frame, nil
}
