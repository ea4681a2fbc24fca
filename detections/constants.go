package detections

const (
	// DefaultProbThreshold is the confidence a detection must exceed.
	DefaultProbThreshold = 0.5
	// TupleSize is the number of values per detection in the model output:
	// image id, label, confidence, xmin, ymin, xmax, ymax.
	TupleSize = 7

	numChannels = 3
)
