package occupancy

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/Tutortoise/people-counter-service/logger"
)

// StabilityThreshold is the number of consecutive unchanged frames, after the
// frame where a count first appears, needed to confirm it.
const StabilityThreshold = 5

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	LastConfirmedCount        int   `json:"last_confirmed_count"`
	PreviousFrameCount        int   `json:"previous_frame_count"`
	ConsecutiveStableFrames   int   `json:"consecutive_stable_frames"`
	FramesSincePresenceChange int   `json:"frames_since_presence_change"`
	TotalEverCounted          int   `json:"total_ever_counted"`
	FPS                       int   `json:"fps"`
	Frames                    int64 `json:"frames"`
}

// Tracker debounces per-frame object counts into occupancy events. It lives
// for one stream; Update is called once per processed frame.
type Tracker struct {
	mu sync.Mutex

	fps                       int
	lastConfirmedCount        int
	previousFrameCount        int
	consecutiveStableFrames   int
	framesSincePresenceChange int
	totalEverCounted          int
	frames                    int64
}

// NewTracker starts a tracker for a stream at fps frames per second. A
// non-positive fps is replaced by 1.
func NewTracker(fps int) *Tracker {
	if fps <= 0 {
		logger.Logger.Warnw("invalid stream fps, durations use 1 fps", "fps", fps)
		fps = 1
	}
	return &Tracker{fps: fps}
}

// Update feeds the object count of one processed frame and returns the events
// it confirms, in publication order.
func (t *Tracker) Update(count int) ([]Event, error) {
	if count < 0 {
		return nil, errors.Newf("negative object count %d", count)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.frames++
	t.framesSincePresenceChange++

	if count != t.previousFrameCount {
		t.previousFrameCount = count
		t.consecutiveStableFrames = 0
		return nil, nil
	}

	t.consecutiveStableFrames++
	if t.consecutiveStableFrames < StabilityThreshold {
		return nil, nil
	}

	var events []Event
	switch {
	case count > t.lastConfirmedCount:
		t.totalEverCounted += count - t.lastConfirmedCount
		t.framesSincePresenceChange = 0
		total := t.totalEverCounted
		events = append(events, CountChanged{Count: count, Total: &total})
	case count < t.lastConfirmedCount:
		events = append(events,
			CountChanged{Count: count},
			DurationReported{Duration: t.framesSincePresenceChange / t.fps},
		)
	}
	t.lastConfirmedCount = count
	return events, nil
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		LastConfirmedCount:        t.lastConfirmedCount,
		PreviousFrameCount:        t.previousFrameCount,
		ConsecutiveStableFrames:   t.consecutiveStableFrames,
		FramesSincePresenceChange: t.framesSincePresenceChange,
		TotalEverCounted:          t.totalEverCounted,
		FPS:                       t.fps,
		Frames:                    t.frames,
	}
}
