package store

import (
	"context"
	"time"

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

// writeOpType defines the type of write operation
type writeOpType int

const (
	opCreateRun writeOpType = iota
	opUpdateRun
	opPruneRuns
)

// writeOp represents a single write operation with its response channel
type writeOp struct {
	opType   writeOpType
	data     interface{}
	response chan error
}

// writeQueue serializes database writes through one goroutine
type writeQueue struct {
	store  *Store
	queue  chan writeOp
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newWriteQueue creates and starts a new write queue
func newWriteQueue(s *Store) *writeQueue {
	ctx, cancel := context.WithCancel(context.Background())
	wq := &writeQueue{
		store:  s,
		queue:  make(chan writeOp, 100),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go wq.processQueue()

	return wq
}

// processQueue is the single writer goroutine
func (wq *writeQueue) processQueue() {
	defer close(wq.done)

	for {
		select {
		case <-wq.ctx.Done():
			// Drain remaining operations before shutting down
			for {
				select {
				case op := <-wq.queue:
					wq.executeOp(op)
				default:
					wq.store.logger.Debug("write queue drained")
					return
				}
			}

		case op := <-wq.queue:
			wq.executeOp(op)
		}
	}
}

// executeOp executes a single write operation
func (wq *writeQueue) executeOp(op writeOp) {
	var err error

	switch op.opType {
	case opCreateRun:
		err = wq.store.createRunDirect(op.data.(*model.Run))
	case opUpdateRun:
		err = wq.store.updateRunDirect(op.data.(*model.Run))
	case opPruneRuns:
		err = wq.store.pruneRunsDirect(op.data.(*pruneParams))
	}

	op.response <- err
}

// enqueue adds a write operation to the queue and waits for the result
func (wq *writeQueue) enqueue(ctx context.Context, opType writeOpType, data interface{}) error {
	response := make(chan error, 1)

	op := writeOp{
		opType:   opType,
		data:     data,
		response: response,
	}

	select {
	case wq.queue <- op:
	case <-wq.ctx.Done():
		return wq.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once queued the op runs even if the caller gives up, so wait for it
	// unless the queue itself is shutting down.
	select {
	case err := <-response:
		return err
	case <-wq.done:
		select {
		case err := <-response:
			return err
		default:
			return context.Canceled
		}
	}
}

// shutdown gracefully shuts down the write queue
func (wq *writeQueue) shutdown() {
	wq.cancel()
	<-wq.done
}

// pruneParams carries retention limits in and the deleted count out
type pruneParams struct {
	olderThan time.Time
	keep      int
	deleted   int64
}
