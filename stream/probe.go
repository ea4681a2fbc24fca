package stream

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Overridable in tests, which run without ffprobe.
var probe = ffmpeg.Probe

// VideoInfo is what the pipeline needs to know about a video stream.
type VideoInfo struct {
	Width  int
	Height int
	// FPS is 0 when the container does not report a usable rate.
	FPS int
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// ProbeVideo runs ffprobe on the first video stream of filename.
func ProbeVideo(filename string, args ffmpeg.KwArgs) (VideoInfo, error) {
	out, err := probe(filename, args)
	if err != nil {
		return VideoInfo{}, errors.WithHint(
			errors.Wrapf(err, "probe %s", filename),
			"ffprobe must be installed and on PATH",
		)
	}
	return parseProbe(out)
}

func parseProbe(out string) (VideoInfo, error) {
	var p probeOutput
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		return VideoInfo{}, errors.Wrap(err, "decode ffprobe output")
	}
	for _, s := range p.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return VideoInfo{}, errors.Newf("video stream has size %dx%d", s.Width, s.Height)
		}
		fps := parseFrameRate(s.AvgFrameRate)
		if fps == 0 {
			fps = parseFrameRate(s.RFrameRate)
		}
		return VideoInfo{Width: s.Width, Height: s.Height, FPS: fps}, nil
	}
	return VideoInfo{}, errors.New("no video stream found")
}

// parseFrameRate reads "30000/1001" style rates, truncated to whole frames
// like a capture property would be. Invalid rates are 0.
func parseFrameRate(rate string) int {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil || d == 0 {
			return 0
		}
	}
	fps := n / d
	if math.IsNaN(fps) || math.IsInf(fps, 0) || fps < 0 {
		return 0
	}
	return int(fps)
}
