package amqp

import (
	"context"
	"errors"
	"sync"
)

// creditor tracks manually-issued credit and drain requests until the
// receiver mux folds them into the next flow frame.
type creditor struct {
	mu sync.Mutex

	// future values for the next flow frame
	pendingDrain bool
	creditsToAdd uint32

	// drained is set while a drain is active and we're waiting for
	// the responding flow from the sender
	drained chan struct{}
}

var (
	errLinkDraining    = errors.New("link is currently draining, no credits can be added")
	errAlreadyDraining = errors.New("drain already in process")
)

// ErrCreditLimitExceeded is returned from Receiver.IssueCredit when manual credit
// management is enabled. It indicates that the incoming rate of messages is greater
// than the rate at which messages are received, and no more credit should be issued
// until the messages have been processed (call Receiver.Receive).
var ErrCreditLimitExceeded = errors.New("link credit exceeded, too many outstanding messages")

// EndDrain ends the current drain, unblocking any active Drain calls.
func (c *creditor) EndDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// FlowBits gets the proper values for the next flow frame and resets
// the internal state.
func (c *creditor) FlowBits() (bool, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	drain := c.pendingDrain
	credits := c.creditsToAdd

	c.creditsToAdd = 0
	c.pendingDrain = false

	return drain, credits
}

// Drain initiates a drain and blocks until the responding flow frame
// arrives (via EndDrain), the link dies, or ctx completes.
func (c *creditor) Drain(ctx context.Context, r *Receiver) error {
	c.mu.Lock()

	if c.drained != nil {
		c.mu.Unlock()
		return errAlreadyDraining
	}

	c.pendingDrain = true
	c.drained = make(chan struct{})
	// use a local copy to avoid racing with EndDrain
	drained := c.drained

	c.mu.Unlock()

	r.notifyReady()

	select {
	case <-drained:
		return nil
	case <-r.l.done:
		return r.l.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IssueCredit queues up additional credits to be requested at the
// next call of FlowBits.
func (c *creditor) IssueCredit(credits uint32, r *Receiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.drained != nil {
		return errLinkDraining
	}

	// don't continue to issue credit once the window is exhausted, as
	// that just leads to a hard-to-diagnose stall in the receiver mux
	if uint32(r.queuedMessages())+r.l.linkCredit+credits > r.maxCredit {
		return ErrCreditLimitExceeded
	}

	c.creditsToAdd += credits
	return nil
}

// inFlight tracks in-flight message dispositions, keyed by delivery
// id, allowing the receiver to wait for the sender's settlement
// confirmation in mode-second.
type inFlight struct {
	mu sync.Mutex
	m  map[uint32]chan error
}

func (f *inFlight) add(id uint32) chan error {
	wait := make(chan error, 1)

	f.mu.Lock()
	if f.m == nil {
		f.m = make(map[uint32]chan error)
	}
	f.m[id] = wait
	f.mu.Unlock()

	return wait
}

func (f *inFlight) remove(id uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if wait, ok := f.m[id]; ok {
		wait <- err
		delete(f.m, id)
	}
}

func (f *inFlight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}
