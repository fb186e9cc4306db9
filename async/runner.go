package async

// Runner spawns goroutines for async functions and queues their callbacks on
// a Mailbox. ProcessMessages must be called from the owning loop to apply
// completed callbacks.
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{bx: NewMailbox()}
}

// NumRunning returns the number of async functions not yet processed.
func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// RunAsync runs f on a new goroutine. cb is invoked with f's result during a
// subsequent ProcessMessages call.
func (r *Runner) RunAsync(f func() error, cb ErrorHandler) {
	pending := r.bx.NewPending(cb)
	go func(p *Pending) {
		p.SetValue(f())
	}(pending)
}

// ProcessMessages applies callbacks of all completed async functions.
func (r *Runner) ProcessMessages() {
	r.bx.ProcessMessages()
}
