package dfu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softdfu/host"
	"github.com/ardnew/softdfu/pkg"
)

// Transport submits control transfers and reports each result through the
// transfer's callback. *host.TransferManager satisfies Transport.
type Transport interface {
	Submit(t *host.Transfer) (uint64, error)
}

// Bus performs the device-level operations around an update.
// *host.Host satisfies Bus.
type Bus interface {
	ClaimInterface(address, iface uint8) error
	ReleaseInterface(address, iface uint8) error
	ResetPort(port int) error
	Reenumerate(port int) error
}

// Config holds updater settings. Zero values select defaults.
type Config struct {
	// Maximum bytes per DFU_DNLOAD or DFU_UPLOAD
	BlockSize int

	// Blocks between progress observations
	ProgressInterval int

	// wTimeout sent with DFU_DETACH, in milliseconds
	DetachTimeout uint16

	// Clock used for poll timeouts and results
	Now func() time.Time

	// Optional hooks, never called with the updater locked
	OnProgress func(Progress)
	OnFinish   func(Result)
}

// Updater drives one DFU update session at a time.
//
// Step advances the session by at most one operation and never blocks.
// Completions arrive on the transport's goroutines and are applied under the
// updater's lock.
type Updater struct {
	mu sync.Mutex

	image     []byte
	transport Transport
	bus       Bus
	cfg       Config

	state State
	sess  *session
	err   error

	// No operation is issued before notBefore (bwPollTimeout)
	notBefore time.Time

	// Hooks queued under the lock, run by unlock
	hooks []func()
}

// New creates an updater that writes image to the attached device.
// The image is never modified.
func New(image []byte, tr Transport, bus Bus, cfg Config) (*Updater, error) {
	if len(image) == 0 || tr == nil || bus == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if cfg.BlockSize < 0 || cfg.BlockSize > MaxBlockSize || cfg.ProgressInterval < 0 {
		return nil, pkg.ErrInvalidParameter
	}

	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.DetachTimeout == 0 {
		cfg.DetachTimeout = DefaultDetachTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Updater{
		image:     image,
		transport: tr,
		bus:       bus,
		cfg:       cfg,
		state:     StateUnattached,
	}, nil
}

// State returns the current state.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Err returns the error that moved the updater into StateError, or nil.
func (u *Updater) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Handles returns the handles of the active session.
// Returns false if no session is active.
func (u *Updater) Handles() (Handles, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sess == nil {
		return Handles{}, false
	}
	return u.sess.handles, true
}

// Attach starts a session for the device identified by h.
// Returns pkg.ErrBusy if the updater is not Unattached.
func (u *Updater) Attach(h Handles) error {
	u.mu.Lock()
	defer u.unlock()

	if u.state != StateUnattached {
		pkg.LogWarn(pkg.ComponentDFU, "attach rejected",
			"address", h.Address,
			"state", u.state)
		return pkg.ErrBusy
	}

	u.sess = newSession(h, u.cfg.Now())
	u.state = StateAttached
	u.err = nil
	u.notBefore = time.Time{}

	pkg.LogInfo(pkg.ComponentDFU, "device attached",
		"address", h.Address,
		"port", h.Port,
		"interface", h.Interface,
		"alt", h.AltSetting,
		"size", len(u.image))
	return nil
}

// Detach abandons the current session and returns to Unattached from any
// state. Completions still in flight for the old session are discarded.
func (u *Updater) Detach() {
	u.mu.Lock()
	defer u.unlock()

	prev := u.state
	s := u.sess

	u.state = StateUnattached
	u.sess = nil
	u.err = nil
	u.notBefore = time.Time{}

	if s == nil {
		return
	}

	s.cancel()
	s.release()
	u.releaseInterface(s)

	err := fmt.Errorf("detached in %s: %w", prev, pkg.ErrNoDevice)
	pkg.LogWarn(pkg.ComponentDFU, "device detached",
		"address", s.handles.Address,
		"state", prev)
	u.finish(s.result(prev, len(u.image), u.cfg.Now(), err))
}

// Step performs the action of the current state. It returns nil while
// Unattached, while waiting for a completion, and while the device's poll
// timeout has not elapsed. In StateError it returns the session error and
// does nothing else.
func (u *Updater) Step() error {
	u.mu.Lock()

	switch u.state {
	case StateUnattached, StateWait:
		u.unlock()
		return nil

	case StateError:
		err := u.err
		u.unlock()
		return err

	case StateAttached:
		u.claim()
		err := u.err
		u.unlock()
		return err

	case StateComplete:
		u.teardown()
		u.unlock()
		return nil

	case StateSetInterface, StateGetStatus, StateTransfer,
		StateZeroLengthTransfer, StateReadBack, StateGetStatusRead,
		StateDetach, StateCheckStatus:
		if u.cfg.Now().Before(u.notBefore) {
			u.unlock()
			return nil
		}

	default:
		u.fail(&OpError{Op: OpStep, State: u.state, Err: pkg.ErrInvalidState})
		err := u.err
		u.unlock()
		return err
	}

	req, t := u.newRequest()
	u.state = StateWait
	u.unlock()

	if _, err := u.transport.Submit(t); err != nil {
		u.mu.Lock()
		if u.sess == req.sess && u.state == StateWait {
			u.fail(&OpError{Op: req.op, State: req.from, Block: req.block, Err: err})
		}
		err = u.err
		u.unlock()
		return err
	}
	return nil
}

// claim claims the DFU interface and starts the download phase.
// Caller must hold u.mu.
func (u *Updater) claim() {
	s := u.sess
	if err := u.bus.ClaimInterface(s.handles.Address, s.handles.Interface); err != nil {
		u.fail(&OpError{Op: OpClaim, State: StateAttached, Err: err})
		return
	}
	s.claimed = true
	s.resetCounters()
	u.state = StateSetInterface
}

// teardown ends a verified session and hands the device back to the host
// for re-enumeration. Caller must hold u.mu.
func (u *Updater) teardown() {
	s := u.sess
	u.releaseInterface(s)

	if err := u.bus.ResetPort(s.handles.Port); err != nil {
		pkg.LogWarn(pkg.ComponentDFU, "port reset failed",
			"port", s.handles.Port,
			"error", err)
	}
	if err := u.bus.Reenumerate(s.handles.Port); err != nil {
		pkg.LogWarn(pkg.ComponentDFU, "re-enumeration request failed",
			"port", s.handles.Port,
			"error", err)
	}

	s.cancel()
	res := s.result(StateComplete, len(u.image), u.cfg.Now(), nil)

	u.sess = nil
	u.state = StateUnattached

	pkg.LogInfo(pkg.ComponentDFU, "update complete",
		"address", s.handles.Address,
		"size", len(u.image),
		"blocks", res.Blocks,
		"duration", res.Duration)
	u.finish(res)
}

// fail moves the session into StateError. The read-back buffer is released
// and the error is logged once. Caller must hold u.mu.
func (u *Updater) fail(cause error) {
	s := u.sess

	// Completion failures are logged against the issuing state, not Wait
	attrs := []any{"state", u.state, "error", cause}
	var opErr *OpError
	if errors.As(cause, &opErr) {
		attrs = []any{"state", opErr.State, "error", cause, "status", opErr.Status()}
	}

	u.err = fmt.Errorf("%w: %w", pkg.ErrSessionFailed, cause)
	u.state = StateError
	u.sess = nil

	pkg.LogError(pkg.ComponentDFU, "update failed", attrs...)

	if s == nil {
		return
	}
	s.cancel()
	s.release()
	u.releaseInterface(s)
	u.finish(s.result(StateError, len(u.image), u.cfg.Now(), cause))
}

// releaseInterface releases the DFU interface if s claimed it.
// Caller must hold u.mu.
func (u *Updater) releaseInterface(s *session) {
	if !s.claimed {
		return
	}
	s.claimed = false
	if err := u.bus.ReleaseInterface(s.handles.Address, s.handles.Interface); err != nil {
		pkg.LogDebug(pkg.ComponentDFU, "interface release failed",
			"address", s.handles.Address,
			"error", err)
	}
}

// progress records a completed chunk. Caller must hold u.mu.
func (u *Updater) progress(phase Phase) {
	s := u.sess
	p := Progress{
		Phase:       phase,
		Block:       s.block,
		Transferred: s.transferred,
		Total:       len(u.image),
	}
	if int(p.Block)%u.cfg.ProgressInterval != 0 && !p.Done() {
		return
	}

	pkg.LogInfo(pkg.ComponentDFU, "progress",
		"phase", phase,
		"block", p.Block,
		"bytes", p.Transferred,
		"total", p.Total)

	if cb := u.cfg.OnProgress; cb != nil {
		u.hooks = append(u.hooks, func() { cb(p) })
	}
}

// finish queues the OnFinish hook. Caller must hold u.mu.
func (u *Updater) finish(r Result) {
	if cb := u.cfg.OnFinish; cb != nil {
		u.hooks = append(u.hooks, func() { cb(r) })
	}
}

// unlock releases u.mu and runs the hooks queued while it was held.
func (u *Updater) unlock() {
	hooks := u.hooks
	u.hooks = nil
	u.mu.Unlock()

	for _, h := range hooks {
		h()
	}
}
