package experiment

import (
	"time"

	"github.com/microscopio/microscopio/internal/device"
)

// Status is a point-in-time view of the runner. After a run ends its
// parameters stay visible alongside the outcome.
type Status struct {
	Running         bool       `json:"running"`
	RunID           string     `json:"run_id,omitempty"`
	SavePath        string     `json:"save_path,omitempty"`
	Duration        int        `json:"duration"`
	Interval        int        `json:"interval"`
	CameraIDs       []int      `json:"camera_ids"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	Ticks           int        `json:"ticks"`
	CaptureFailures int        `json:"capture_failures"`
	LastOutcome     Outcome    `json:"last_outcome,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Status returns the current snapshot.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{Running: r.running, CameraIDs: []int{}}
	rn := r.last
	if rn == nil {
		return st
	}
	started := rn.startedAt
	st.RunID = rn.id
	st.SavePath = rn.params.Folder
	st.Duration = int(rn.params.Duration / time.Second)
	st.Interval = int(rn.params.Interval / time.Second)
	st.CameraIDs = device.Ints(rn.devices)
	st.StartedAt = &started
	st.Ticks = rn.ticks
	st.CaptureFailures = rn.failures
	st.LastOutcome = rn.outcome
	if rn.err != nil {
		st.LastError = rn.err.Error()
	}
	return st
}
