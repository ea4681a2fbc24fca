package detections

import (
	"image"
	"runtime"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
)

type ChannelOrder string

const (
	BGR ChannelOrder = "bgr"
	RGB ChannelOrder = "rgb"
)

type PreprocessConfig struct {
	Order ChannelOrder
	// Scale multiplies each 0-255 pixel value.
	Scale float32
}

func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{Order: BGR, Scale: 1}
}

// Preprocessor resizes frames to the model input and lays them out as planar
// NCHW float32. The returned buffer is reused across calls.
type Preprocessor struct {
	width, height int
	channelSize   int
	numWorkers    int
	// source channel (R=0, G=1, B=2) for each output plane
	planes [numChannels]int
	scale  float32
	buffer []float32
}

func NewPreprocessor(width, height int, cfg PreprocessConfig) (*Preprocessor, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Newf("invalid input size %dx%d", width, height)
	}

	p := &Preprocessor{
		width:       width,
		height:      height,
		channelSize: width * height,
		numWorkers:  runtime.GOMAXPROCS(0),
		scale:       cfg.Scale,
		buffer:      make([]float32, width*height*numChannels),
	}
	if p.scale == 0 {
		p.scale = 1
	}

	switch ChannelOrder(strings.ToLower(string(cfg.Order))) {
	case BGR, "":
		p.planes = [numChannels]int{2, 1, 0}
	case RGB:
		p.planes = [numChannels]int{0, 1, 2}
	default:
		return nil, errors.Newf("unknown channel order %q", cfg.Order)
	}
	if p.numWorkers > height {
		p.numWorkers = height
	}
	return p, nil
}

// Size is the model input (width, height).
func (p *Preprocessor) Size() (int, int) {
	return p.width, p.height
}

func (p *Preprocessor) Process(img image.Image) []float32 {
	resized := imaging.Resize(img, p.width, p.height, imaging.Linear)
	p.fill(resized)
	return p.buffer
}

// fill splits the rows across workers; each writes its rows of every plane.
func (p *Preprocessor) fill(img *image.NRGBA) {
	rowsPerWorker := p.height / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)
	for w := 0; w < p.numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if w == p.numWorkers-1 {
			end = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * p.width
				for x := 0; x < p.width; x++ {
					px := src[x*4 : x*4+4]
					for c, from := range p.planes {
						p.buffer[c*p.channelSize+offset+x] = float32(px[from]) * p.scale
					}
				}
			}
		}(start, end)
	}
	wg.Wait()
}
