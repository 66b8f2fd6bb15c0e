// Package poller implements the completion notification subsystem the socket
// engine submits its overlapped operations to. An Operation carries an
// attempt closure (one nonblocking syscall) and a completion callback; Submit
// runs the attempt on a worker goroutine, parks would-block operations on an
// epoll instance per readiness direction, re-attempts when the descriptor
// becomes ready, and always delivers the completion on a worker goroutine —
// never on the caller's stack.
//
// At most one operation per direction may be outstanding on a descriptor at a
// time; the engine's pending counters guarantee this.
package poller

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/edgelink/gwsock/internal/status"
)

// Dir is the readiness direction an operation parks on when the descriptor
// would block.
type Dir uint8

const (
	In  Dir = iota // readable: recv, recvfrom, accept
	Out            // writable: send, sendto, connect
)

// Operation is the overlapped handle for one submitted I/O attempt. The
// engine embeds it as the first field of its per-socket operation state and
// recovers that state in the completion callback.
type Operation struct {
	FD  int
	Dir Dir

	// Attempt performs one nonblocking syscall. EAGAIN and EINPROGRESS park
	// the operation, EINTR re-runs the attempt; any other error, or nil,
	// completes it.
	Attempt func() (n int, flags uint32, err error)

	// Complete receives the final result. It runs on a worker goroutine.
	Complete func(code status.Code, n int, flags uint32)

	cancelled bool        // guarded by the poller mutex
	done      atomic.Bool // exactly-once completion guard
}

// fdState tracks the outstanding operations of one descriptor.
type fdState struct {
	in, out             *Operation
	inParked, outParked bool
	registered          bool
}

func (s *fdState) slot(d Dir) **Operation {
	if d == In {
		return &s.in
	}
	return &s.out
}

func (s *fdState) parked(d Dir) *bool {
	if d == In {
		return &s.inParked
	}
	return &s.outParked
}

// Poller is an epoll-backed completion port with a fixed worker pool.
type Poller struct {
	epfd   int
	wakefd int

	mu     sync.Mutex
	fds    map[int]*fdState
	closed bool

	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
}

// New creates a poller with the given number of completion workers and
// starts its wait loop.
func New(workers int) (*Poller, error) {
	if workers < 1 {
		workers = 1
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]*fdState),
		tasks:  make(chan func(), 256),
		quit:   make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd,
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	p.wg.Add(1)
	go p.waitLoop()
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

// Submit queues o for execution. It fails synchronously only when the poller
// is shut down or the operation is malformed; every other outcome arrives
// through o.Complete.
func (p *Poller) Submit(o *Operation) status.Code {
	if o == nil || o.Attempt == nil || o.Complete == nil || o.FD < 0 {
		return status.Fault
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return status.Closed
	}
	st := p.fds[o.FD]
	if st == nil {
		st = &fdState{}
		p.fds[o.FD] = st
	}
	slot := st.slot(o.Dir)
	if *slot != nil {
		p.mu.Unlock()
		return status.Fault
	}
	o.cancelled = false
	o.done.Store(false)
	*slot = o
	p.mu.Unlock()

	p.dispatch(func() { p.attempt(o) })
	return status.OK
}

// Cancel fails every outstanding operation on fd with Aborted. An attempt
// already executing on a worker races the cancel: if its syscall settles
// first the real result is delivered, otherwise the operation completes
// Aborted instead of parking.
func (p *Poller) Cancel(fd int) {
	p.mu.Lock()
	st := p.fds[fd]
	var fails []*Operation
	if st != nil {
		for _, d := range []Dir{In, Out} {
			slot, parked := st.slot(d), st.parked(d)
			if *slot == nil {
				continue
			}
			(*slot).cancelled = true
			if *parked {
				fails = append(fails, *slot)
				*slot = nil
				*parked = false
			}
		}
		p.update(fd, st)
	}
	p.mu.Unlock()

	for _, o := range fails {
		o := o
		p.dispatch(func() { p.complete(o, status.Aborted, 0, 0) })
	}
}

// Close shuts the poller down. Outstanding operations complete with Aborted.
// Close must only be called after every socket using the poller has closed.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var fails []*Operation
	for fd, st := range p.fds {
		for _, d := range []Dir{In, Out} {
			if o := *st.slot(d); o != nil {
				fails = append(fails, o)
			}
		}
		delete(p.fds, fd)
	}
	p.mu.Unlock()

	for _, o := range fails {
		p.complete(o, status.Aborted, 0, 0)
	}

	close(p.quit)
	var one = [8]byte{7: 1}
	unix.Write(p.wakefd, one[:]) // wake the wait loop
	p.wg.Wait()
	unix.Close(p.wakefd)
	unix.Close(p.epfd)
}

func (p *Poller) dispatch(fn func()) {
	select {
	case p.tasks <- fn:
	default:
		// Pool saturated; run on a fresh goroutine rather than block the
		// wait loop.
		go fn()
	}
}

func (p *Poller) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.quit:
			return
		}
	}
}

// attempt runs one syscall attempt for o and either parks, re-dispatches, or
// completes it.
func (p *Poller) attempt(o *Operation) {
	n, flags, err := o.Attempt()
	switch {
	case err == unix.EAGAIN || err == unix.EINPROGRESS:
		p.mu.Lock()
		st := p.fds[o.FD]
		if p.closed || st == nil || *st.slot(o.Dir) != o || o.cancelled {
			if st != nil && *st.slot(o.Dir) == o {
				*st.slot(o.Dir) = nil
				*st.parked(o.Dir) = false
				p.update(o.FD, st)
			}
			p.mu.Unlock()
			p.complete(o, status.Aborted, 0, 0)
			return
		}
		*st.parked(o.Dir) = true
		p.update(o.FD, st)
		p.mu.Unlock()
	case err == unix.EINTR:
		p.dispatch(func() { p.attempt(o) })
	default:
		p.finish(o, status.FromErrno(err), n, flags)
	}
}

// finish clears o's slot and delivers the completion.
func (p *Poller) finish(o *Operation, code status.Code, n int, flags uint32) {
	p.mu.Lock()
	if st := p.fds[o.FD]; st != nil && *st.slot(o.Dir) == o {
		*st.slot(o.Dir) = nil
		*st.parked(o.Dir) = false
		p.update(o.FD, st)
	}
	p.mu.Unlock()
	p.complete(o, code, n, flags)
}

// complete invokes the completion callback exactly once per submission.
// Cancel and Close race the attempt that is already running on a worker;
// whichever settles the op first wins.
func (p *Poller) complete(o *Operation, code status.Code, n int, flags uint32) {
	if !o.done.CompareAndSwap(false, true) {
		return
	}
	o.Complete(code, n, flags)
}

// update reconciles fd's epoll registration with the parked operations.
// Caller holds the mutex.
func (p *Poller) update(fd int, st *fdState) {
	var mask uint32
	if st.in != nil && st.inParked {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if st.out != nil && st.outParked {
		mask |= unix.EPOLLOUT
	}
	switch {
	case mask == 0 && st.registered:
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		st.registered = false
	case mask != 0 && !st.registered:
		if unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd,
			&unix.EpollEvent{Events: mask, Fd: int32(fd)}) == nil {
			st.registered = true
		}
	case mask != 0:
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd,
			&unix.EpollEvent{Events: mask, Fd: int32(fd)})
	}
	if st.in == nil && st.out == nil && !st.registered {
		delete(p.fds, fd)
	}
}

// waitLoop blocks on epoll and re-dispatches parked operations whose
// descriptors became ready. Error and hangup conditions re-run the attempt
// too: the syscall reports the actual failure.
func (p *Poller) waitLoop() {
	defer p.wg.Done()
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == p.wakefd {
				var buf [8]byte
				unix.Read(p.wakefd, buf[:])
				select {
				case <-p.quit:
					return
				default:
				}
				continue
			}
			p.wake(int(ev.Fd), ev.Events)
		}
	}
}

// wake pulls the parked operations matching the readiness mask off fd and
// re-dispatches their attempts.
func (p *Poller) wake(fd int, events uint32) {
	const errMask = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP

	p.mu.Lock()
	st := p.fds[fd]
	var runs []*Operation
	if st != nil {
		if st.in != nil && st.inParked && events&(unix.EPOLLIN|errMask) != 0 {
			st.inParked = false
			runs = append(runs, st.in)
		}
		if st.out != nil && st.outParked && events&(unix.EPOLLOUT|errMask) != 0 {
			st.outParked = false
			runs = append(runs, st.out)
		}
		p.update(fd, st)
	}
	p.mu.Unlock()

	for _, o := range runs {
		o := o
		p.dispatch(func() { p.attempt(o) })
	}
}
