package detections

import (
	"github.com/cockroachdb/errors"

	"github.com/Tutortoise/people-counter-service/models"
)

type DecoderConfig struct {
	// ProbThreshold is exclusive: a detection needs confidence > ProbThreshold.
	ProbThreshold float32
}

func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{ProbThreshold: DefaultProbThreshold}
}

func (c DecoderConfig) Validate() error {
	if c.ProbThreshold < 0 || c.ProbThreshold > 1 {
		return errors.Newf("probability threshold %v outside [0, 1]", c.ProbThreshold)
	}
	return nil
}

// Decode turns the detector's flat output of 7-tuples into detections whose
// confidence strictly exceeds the threshold. Every label counts; there is no
// suppression of overlapping boxes.
func Decode(output []float32, cfg DecoderConfig) ([]models.Detection, error) {
	if len(output)%TupleSize != 0 {
		return nil, errors.Newf("detector output has %d values, not a multiple of %d", len(output), TupleSize)
	}

	var dets []models.Detection
	for i := 0; i < len(output); i += TupleSize {
		t := output[i : i+TupleSize]
		if !(t[2] > cfg.ProbThreshold) {
			continue
		}
		dets = append(dets, models.Detection{
			ImageID:    int(t[0]),
			Label:      int(t[1]),
			Confidence: t[2],
			Box: models.Box{
				XMin: clamp01(t[3]),
				YMin: clamp01(t[4]),
				XMax: clamp01(t[5]),
				YMax: clamp01(t[6]),
			},
		})
	}
	return dets, nil
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
