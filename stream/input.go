// Package stream reads frames from cameras, images and video files and writes
// annotated frames to raw or encoded outputs.
package stream

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// CameraInput selects the default capture device.
const CameraInput = "CAM"

var (
	ErrUnsupportedInput = errors.New("unsupported input")
	ErrInputNotFound    = errors.New("input not found")
)

type Kind int

const (
	KindCamera Kind = iota
	KindImage
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	}
	return "unknown"
}

var extensions = map[string]Kind{
	".jpg":  KindImage,
	".jpeg": KindImage,
	".bmp":  KindImage,
	".avi":  KindVideo,
	".mp4":  KindVideo,
}

// Classify decides how input is read. Files must exist.
func Classify(input string) (Kind, error) {
	if input == CameraInput {
		return KindCamera, nil
	}

	kind, ok := extensions[strings.ToLower(filepath.Ext(input))]
	if !ok {
		return 0, errors.WithHint(
			errors.Wrapf(ErrUnsupportedInput, "%s", input),
			"use CAM, a .jpg/.bmp image or an .avi/.mp4 video",
		)
	}
	if _, err := os.Stat(input); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "input %s", input), ErrInputNotFound)
	}
	return kind, nil
}
