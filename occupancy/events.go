package occupancy

// Event is emitted by the Tracker on a confirmed change.
type Event interface {
	isEvent()
}

// CountChanged reports a confirmed count. Total is set only on increases.
type CountChanged struct {
	Count int  `json:"count"`
	Total *int `json:"total,omitempty"`
}

// DurationReported follows a confirmed decrease with the dwell time, in whole
// seconds, of the occupancy that ended.
type DurationReported struct {
	Duration int `json:"duration"`
}

func (CountChanged) isEvent()     {}
func (DurationReported) isEvent() {}
