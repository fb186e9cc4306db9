// Package async lets an event loop spawn goroutines and consume their
// results as callbacks executed on the loop goroutine. The run manager's
// control loop uses it so that queue polls and scheduler commands never
// mutate loop state from another goroutine.
package async

// ErrorHandler is invoked with the result of a completed async function.
type ErrorHandler func(error)

// Pending is the eventual error result of an async function. SetValue must
// be called exactly once.
type Pending struct {
	errCh     chan error
	val       error
	completed bool
}

func newPending() *Pending {
	return &Pending{errCh: make(chan error, 1)}
}

// SetValue fulfills the Pending. Calling it twice panics.
func (p *Pending) SetValue(err error) {
	p.errCh <- err
	close(p.errCh)
}

// TryGetValue returns (true, result) once fulfilled, (false, nil) before.
func (p *Pending) TryGetValue() (bool, error) {
	if p.completed {
		return true, p.val
	}
	select {
	case err := <-p.errCh:
		p.val = err
		p.completed = true
		return true, err
	default:
		return false, nil
	}
}

type message struct {
	pending  *Pending
	callback ErrorHandler
}

// Mailbox tracks in-flight Pendings and their callbacks. Not thread-safe:
// it must only be touched from the loop goroutine.
type Mailbox struct {
	msgs []message
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// NewPending registers a callback and returns the Pending to fulfill.
func (bx *Mailbox) NewPending(cb ErrorHandler) *Pending {
	msg := message{pending: newPending(), callback: cb}
	bx.msgs = append(bx.msgs, msg)
	return msg.pending
}

// ProcessMessages invokes the callback of every fulfilled Pending and drops
// it from the mailbox. Callbacks run synchronously on the calling goroutine.
func (bx *Mailbox) ProcessMessages() {
	var open []message
	for _, msg := range bx.msgs {
		if ok, err := msg.pending.TryGetValue(); ok {
			msg.callback(err)
		} else {
			open = append(open, msg)
		}
	}
	bx.msgs = open
}
