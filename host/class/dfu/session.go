package dfu

import (
	"context"
	"time"
)

// Handles identify the attached peripheral and its DFU interface.
type Handles struct {
	Address    uint8 // Device address
	Port       int   // Root port the device is attached to
	Interface  uint8 // DFU interface number
	AltSetting uint8 // DFU interface alternate setting
}

// Status is a decoded DFU_GETSTATUS response.
type Status struct {
	Status      DeviceStatus
	PollTimeout time.Duration // bwPollTimeout
	State       DeviceState
	StringIndex uint8
}

// ParseStatus decodes a DFU_GETSTATUS response.
// Returns false if data is too short.
func ParseStatus(data []byte, out *Status) bool {
	if len(data) < StatusLength {
		return false
	}
	ms := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16
	*out = Status{
		Status:      DeviceStatus(data[0]),
		PollTimeout: time.Duration(ms) * time.Millisecond,
		State:       DeviceState(data[4]),
		StringIndex: data[5],
	}
	return true
}

// OK reports whether the device reported no error condition.
func (s Status) OK() bool {
	return s.Status == StatusOK
}

// Progress is emitted while chunks of a data pass complete.
type Progress struct {
	Phase       Phase
	Block       uint16 // Chunks completed in this phase
	Transferred int    // Bytes completed in this phase
	Total       int    // Image length
}

// Done reports whether the phase has moved the whole image.
func (p Progress) Done() bool {
	return p.Transferred == p.Total
}

// Result summarizes a finished session.
type Result struct {
	Handles  Handles
	State    State // State the session ended in or was detached from
	Bytes    int   // Image length
	Blocks   int   // Chunks completed across both passes
	Started  time.Time
	Duration time.Duration
	Err      error // nil on success
}

// OK reports whether the update completed and verified.
func (r Result) OK() bool {
	return r.Err == nil
}

// session is one update attempt, created by Attach and destroyed on
// completion, failure, or detach.
type session struct {
	handles Handles

	// Current phase counters
	transferred int
	block       uint16

	// Allocated on entering ReadBack, released after verification or failure
	readBack []byte

	status    Status
	statusBuf [StatusLength]byte

	claimed bool
	blocks  int
	started time.Time

	// Cancels in-flight transfers when the session ends
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(h Handles, now time.Time) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		handles: h,
		started: now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// resetCounters zeroes the phase counters.
func (s *session) resetCounters() {
	s.transferred = 0
	s.block = 0
}

// release drops the read-back buffer and zeroes the phase counters.
func (s *session) release() {
	s.readBack = nil
	s.resetCounters()
}

func (s *session) result(state State, bytes int, now time.Time, err error) Result {
	return Result{
		Handles:  s.handles,
		State:    state,
		Bytes:    bytes,
		Blocks:   s.blocks,
		Started:  s.started,
		Duration: now.Sub(s.started),
		Err:      err,
	}
}
