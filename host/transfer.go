package host

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softdfu/host/hal"
	"github.com/ardnew/softdfu/pkg"
)

// Transfer represents an asynchronous control transfer request.
type Transfer struct {
	// Device address
	Address uint8

	// Setup packet
	Setup *hal.SetupPacket

	// Data stage buffer; nil for transfers without a data stage
	Data []byte

	// Callback when transfer completes
	Callback func(*Transfer, int, error)

	// Context for cancellation
	Context context.Context

	// Internal state
	id        uint64
	completed int32
	result    int
	err       error
}

// ID returns the identifier assigned by Submit.
func (t *Transfer) ID() uint64 {
	return atomic.LoadUint64(&t.id)
}

// IsComplete returns true if the transfer has completed.
func (t *Transfer) IsComplete() bool {
	return atomic.LoadInt32(&t.completed) != 0
}

// Status classifies the transfer result.
func (t *Transfer) Status() pkg.TransferStatus {
	return pkg.StatusFromError(t.err)
}

// DefaultQueueDepth is the number of transfers that may wait for a worker.
const DefaultQueueDepth = 100

// TransferManager executes control transfers on a pool of workers and
// reports each result through the transfer's callback.
type TransferManager struct {
	host *Host

	// Pending transfers (by ID)
	pending   map[uint64]*Transfer
	pendingMu sync.RWMutex

	// Next transfer ID
	nextID uint64

	// Worker pool
	workers int
	jobs    chan *Transfer
	wg      sync.WaitGroup

	// State
	running bool
	stateMu sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTransferManager creates a new transfer manager.
func NewTransferManager(host *Host, workers int) *TransferManager {
	if workers < 1 {
		workers = 1
	}
	return &TransferManager{
		host:    host,
		pending: make(map[uint64]*Transfer),
		workers: workers,
		jobs:    make(chan *Transfer, DefaultQueueDepth),
	}
}

// Start starts the transfer manager.
func (tm *TransferManager) Start(ctx context.Context) error {
	tm.stateMu.Lock()
	defer tm.stateMu.Unlock()

	if tm.running {
		return pkg.ErrAlreadyRunning
	}

	tm.ctx, tm.cancel = context.WithCancel(ctx)
	tm.running = true

	for i := 0; i < tm.workers; i++ {
		tm.wg.Add(1)
		go tm.worker(i)
	}

	return nil
}

// Stop stops the transfer manager and waits for its workers to exit.
// Queued transfers that have not started complete with ErrCancelled.
func (tm *TransferManager) Stop() error {
	tm.stateMu.Lock()
	if !tm.running {
		tm.stateMu.Unlock()
		return nil
	}
	tm.running = false
	tm.cancel()
	close(tm.jobs)
	tm.stateMu.Unlock()

	tm.wg.Wait()
	return nil
}

// Submit submits a transfer for execution.
func (tm *TransferManager) Submit(t *Transfer) (uint64, error) {
	if t == nil || t.Setup == nil {
		return 0, pkg.ErrInvalidParameter
	}

	tm.stateMu.RLock()
	defer tm.stateMu.RUnlock()

	if !tm.running {
		return 0, pkg.ErrNotRunning
	}

	id := atomic.AddUint64(&tm.nextID, 1)
	atomic.StoreUint64(&t.id, id)

	tm.pendingMu.Lock()
	tm.pending[id] = t
	tm.pendingMu.Unlock()

	select {
	case tm.jobs <- t:
		return id, nil
	default:
		tm.pendingMu.Lock()
		delete(tm.pending, id)
		tm.pendingMu.Unlock()
		return 0, pkg.ErrBusy
	}
}

// worker processes transfers.
func (tm *TransferManager) worker(id int) {
	defer tm.wg.Done()

	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker started", "id", id)

	for t := range tm.jobs {
		tm.executeTransfer(t)
	}

	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker stopped", "id", id)
}

// executeTransfer executes a single transfer.
func (tm *TransferManager) executeTransfer(t *Transfer) {
	if t.IsComplete() {
		tm.completeTransfer(t)
		return
	}

	ctx := t.Context
	if ctx == nil {
		ctx = tm.ctx
	}

	if err := ctx.Err(); err != nil {
		t.err = err
	} else if err := tm.ctx.Err(); err != nil {
		t.err = pkg.ErrCancelled
	} else {
		t.result, t.err = tm.host.hal.ControlTransfer(ctx, hal.DeviceAddress(t.Address), t.Setup, t.Data)
	}

	atomic.StoreInt32(&t.completed, 1)

	if t.err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"id", t.ID(),
			"request", t.Setup.Request,
			"status", t.Status())
	}

	tm.completeTransfer(t)
}

// completeTransfer handles transfer completion.
func (tm *TransferManager) completeTransfer(t *Transfer) {
	tm.pendingMu.Lock()
	delete(tm.pending, t.ID())
	tm.pendingMu.Unlock()

	if t.Callback != nil {
		t.Callback(t, t.result, t.err)
	}
}

// PendingCount returns the number of pending transfers.
func (tm *TransferManager) PendingCount() int {
	tm.pendingMu.RLock()
	defer tm.pendingMu.RUnlock()
	return len(tm.pending)
}

// WaitAll waits for all pending transfers to complete.
func (tm *TransferManager) WaitAll(ctx context.Context) error {
	for tm.PendingCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}
