package detections

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/fogleman/gg"

	"github.com/Tutortoise/people-counter-service/models"
)

var (
	BoxColor  = color.RGBA{R: 255, G: 55, B: 0, A: 255}
	TextColor = color.RGBA{R: 10, G: 10, B: 200, A: 255}
)

// Renderer draws detections and the inference time onto frames.
type Renderer struct {
	BoxColor  color.Color
	TextColor color.Color
	LineWidth float64
}

func NewRenderer() *Renderer {
	return &Renderer{
		BoxColor:  BoxColor,
		TextColor: TextColor,
		LineWidth: 1,
	}
}

// Render returns a copy of frame with every detection box scaled to the frame
// size and the inference time written in the top-left corner.
func (r *Renderer) Render(frame image.Image, dets []models.Detection, inference time.Duration) *image.RGBA {
	b := frame.Bounds()
	w, h := float32(b.Dx()), float32(b.Dy())

	dc := gg.NewContextForImage(frame)
	dc.SetColor(r.BoxColor)
	dc.SetLineWidth(r.LineWidth)
	for _, d := range dets {
		x0, y0 := int(d.Box.XMin*w), int(d.Box.YMin*h)
		x1, y1 := int(d.Box.XMax*w), int(d.Box.YMax*h)
		dc.DrawRectangle(float64(x0), float64(y0), float64(x1-x0), float64(y1-y0))
		dc.Stroke()
	}

	dc.SetColor(r.TextColor)
	dc.DrawString(InferenceLabel(inference), 15, 25)

	return dc.Image().(*image.RGBA)
}

// InferenceLabel formats the overlay text, e.g. "Inference time: 12.345ms".
func InferenceLabel(d time.Duration) string {
	return fmt.Sprintf("Inference time: %.3fms", float64(d)/float64(time.Millisecond))
}
