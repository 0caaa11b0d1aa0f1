package orchestrator

import (
	"context"
	"sync"

	"codi/internal/ipc"
	"codi/internal/logging"
)

// ConfirmationUI is the single human surface confirmations funnel through.
// At most one confirmation is presented at a time.
type ConfirmationUI interface {
	Confirm(ctx context.Context, childID string, req ipc.PermissionRequest) (ipc.PermissionResponse, error)
}

// pendingRequest is one queued child confirmation.
type pendingRequest struct {
	childID string
	header  ipc.Header
	req     ipc.PermissionRequest
	conn    *ipc.Conn
}

// Broker multiplexes child permission requests onto the UI, strictly FIFO
// with one active confirmation. A child's pending requests are voided when
// it is cancelled or disconnects.
type Broker struct {
	ui ConfirmationUI

	mu      sync.Mutex
	queue   []*pendingRequest
	active  bool
	stopped bool
}

// NewBroker creates a broker for the given UI.
func NewBroker(ui ConfirmationUI) *Broker {
	return &Broker{ui: ui}
}

// Submit enqueues one request. Responses are delivered to the child's
// connection, correlated by the request's envelope ID.
func (b *Broker) Submit(ctx context.Context, childID string, header ipc.Header, req ipc.PermissionRequest, conn *ipc.Conn) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		conn.Send(header.ID, ipc.TypePermissionResponse, ipc.PermissionResponse{Decision: ipc.DecisionAbort})
		return
	}
	b.queue = append(b.queue, &pendingRequest{childID: childID, header: header, req: req, conn: conn})
	shouldPump := !b.active
	if shouldPump {
		b.active = true
	}
	b.mu.Unlock()

	logging.OrchestratorDebug("Permission request queued for %s (tool %s)", childID, req.Tool)
	if shouldPump {
		go b.pump(ctx)
	}
}

// pump drains the queue one confirmation at a time.
func (b *Broker) pump(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 || b.stopped {
			b.active = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		resp, err := b.ui.Confirm(ctx, next.childID, next.req)
		if err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("Confirmation for %s failed: %v", next.childID, err)
			resp = ipc.PermissionResponse{Decision: ipc.DecisionAbort}
		}
		if err := next.conn.Send(next.header.ID, ipc.TypePermissionResponse, resp); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("Delivering response to %s failed: %v", next.childID, err)
		}
	}
}

// Void aborts every queued request for one child. Requests already answered
// are unaffected; the child's own cancel handling covers the in-flight one.
func (b *Broker) Void(childID string) {
	b.mu.Lock()
	var kept []*pendingRequest
	var voided []*pendingRequest
	for _, p := range b.queue {
		if p.childID == childID {
			voided = append(voided, p)
		} else {
			kept = append(kept, p)
		}
	}
	b.queue = kept
	b.mu.Unlock()

	for _, p := range voided {
		p.conn.Send(p.header.ID, ipc.TypePermissionResponse, ipc.PermissionResponse{Decision: ipc.DecisionAbort})
	}
	if len(voided) > 0 {
		logging.Orchestrator("Voided %d pending confirmations for %s", len(voided), childID)
	}
}

// Drop discards queued requests for a disconnected child without replying;
// the connection is gone.
func (b *Broker) Drop(childID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []*pendingRequest
	for _, p := range b.queue {
		if p.childID != childID {
			kept = append(kept, p)
		}
	}
	b.queue = kept
}

// Stop aborts everything queued and refuses new submissions.
func (b *Broker) Stop() {
	b.mu.Lock()
	b.stopped = true
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, p := range queue {
		p.conn.Send(p.header.ID, ipc.TypePermissionResponse, ipc.PermissionResponse{Decision: ipc.DecisionAbort})
	}
}
