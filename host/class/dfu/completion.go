package dfu

import (
	"github.com/ardnew/softdfu/pkg"
)

// complete applies the result of req. Completions for a session that has
// ended, or that arrive outside StateWait, are discarded.
func (u *Updater) complete(req *request, n int, err error) {
	u.mu.Lock()
	defer u.unlock()

	if u.sess != req.sess || u.state != StateWait {
		pkg.LogDebug(pkg.ComponentDFU, "stale completion discarded",
			"op", req.op,
			"state", u.state,
			"error", err)
		return
	}

	if err != nil {
		u.fail(&OpError{Op: req.op, State: req.from, Block: req.block, Err: err})
		return
	}

	if err := req.done(u, req, n); err != nil {
		u.fail(&OpError{Op: req.op, State: req.from, Block: req.block, Err: err})
	}
}

func (u *Updater) setInterfaceDone(_ *request, _ int) error {
	u.state = StateGetStatus
	return nil
}

// getStatusDone decodes the status response, arms the poll timeout, and
// picks the next state from the state that issued the request.
func (u *Updater) getStatusDone(req *request, n int) error {
	s := u.sess

	if !ParseStatus(s.statusBuf[:n], &s.status) {
		return pkg.ErrUnderrun
	}
	u.notBefore = u.cfg.Now().Add(s.status.PollTimeout)

	if !s.status.OK() {
		return &StatusError{Status: s.status}
	}

	switch req.from {
	case StateGetStatus:
		if s.transferred < len(u.image) {
			u.state = StateTransfer
		} else {
			u.state = StateZeroLengthTransfer
		}

	case StateGetStatusRead:
		err := verify(u.image, s.readBack)
		s.release()
		if err != nil {
			return err
		}
		pkg.LogInfo(pkg.ComponentDFU, "image verified",
			"size", len(u.image))
		u.state = StateDetach

	case StateCheckStatus:
		u.state = StateComplete

	default:
		return pkg.ErrInvalidState
	}
	return nil
}

func (u *Updater) downloadDone(req *request, n int) error {
	if n < req.size {
		return pkg.ErrUnderrun
	}
	s := u.sess
	s.transferred += req.size
	s.block++
	s.blocks++
	u.progress(PhaseDownload)
	u.state = StateGetStatus
	return nil
}

func (u *Updater) zeroLengthDone(_ *request, _ int) error {
	u.sess.resetCounters()
	u.state = StateReadBack
	return nil
}

func (u *Updater) uploadDone(req *request, n int) error {
	s := u.sess
	if n <= 0 {
		return pkg.ErrShortUpload
	}
	if n > req.size {
		return pkg.ErrOverrun
	}
	s.transferred += n
	s.block++
	s.blocks++
	u.progress(PhaseReadBack)

	if s.transferred < len(u.image) {
		u.state = StateReadBack
	} else {
		u.state = StateGetStatusRead
	}
	return nil
}

func (u *Updater) detachDone(_ *request, _ int) error {
	u.state = StateCheckStatus
	return nil
}
