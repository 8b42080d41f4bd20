package server

// event is one readiness notification.
type event struct {
	fd       int
	readable bool // data, EOF or a pending socket error
	writable bool
	hangup   bool // the connection is gone in both directions
}

// poller is the readiness selector behind the loop.  It is used from
// the loop goroutine only, except for wake.
type poller interface {
	// add registers fd with read interest.
	add(fd int) error
	// modify replaces the interest set of a registered fd.
	modify(fd int, read, write bool) error
	remove(fd int) error
	// wait blocks until at least one registered fd is ready, wake is
	// called, or msec elapses (-1 waits forever).  Wake-ups are not
	// reported as events.
	wait(events []event, msec int) (int, error)
	// wake interrupts a concurrent wait.  Safe from any goroutine.
	wake() error
	close() error
}
