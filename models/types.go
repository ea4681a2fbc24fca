package models

import "time"

// Box is a bounding box in coordinates normalized to the frame, each in [0,1].
type Box struct {
	XMin float32
	YMin float32
	XMax float32
	YMax float32
}

type Detection struct {
	ImageID    int
	Label      int
	Confidence float32
	Box        Box
}

// FrameTimings records where the time for one frame went.
type FrameTimings struct {
	Frame       int64         `json:"frame"`
	Preprocess  time.Duration `json:"preprocess_ns"`
	Inference   time.Duration `json:"inference_ns"`
	Postprocess time.Duration `json:"postprocess_ns"`
	Render      time.Duration `json:"render_ns"`
	Total       time.Duration `json:"total_ns"`
}
