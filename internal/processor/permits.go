package processor

import (
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// permitPool bounds the number of concurrent asynchronous exports.
// Permits are small integer ids 1..n kept in a FIFO. A parallel liveness
// flag per id makes release idempotent, so an exporter that invokes its
// completion callback twice cannot corrupt the pool.
type permitPool struct {
	free chan int
	live []atomic.Bool
}

func newPermitPool(n int) *permitPool {
	p := &permitPool{
		free: make(chan int, n),
		live: make([]atomic.Bool, n),
	}
	for id := 1; id <= n; id++ {
		p.free <- id
		p.live[id-1].Store(true)
	}
	return p
}

// acquire takes a permit, waiting up to wait for one to become free.
// Returns 0 when no permit became available.
func (p *permitPool) acquire(clock clockz.Clock, wait time.Duration) int {
	select {
	case id := <-p.free:
		p.live[id-1].Store(false)
		return id
	default:
	}
	select {
	case id := <-p.free:
		p.live[id-1].Store(false)
		return id
	case <-clock.After(wait):
		return 0
	}
}

// release returns a permit to the pool. Out-of-range ids and duplicate
// releases of a live permit are ignored.
func (p *permitPool) release(id int) {
	if id < 1 || id > len(p.live) {
		return
	}
	if p.live[id-1].CompareAndSwap(false, true) {
		p.free <- id
	}
}

// awaitIdle blocks until every permit is back in the pool, meaning no
// asynchronous export is outstanding. A timeout <= 0 waits indefinitely.
// Reports whether the pool became idle within the timeout.
func (p *permitPool) awaitIdle(clock clockz.Clock, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		expired = clock.After(timeout)
	}
	held := make([]int, 0, cap(p.free))
	idle := true
collect:
	for len(held) < cap(p.free) {
		select {
		case id := <-p.free:
			p.live[id-1].Store(false)
			held = append(held, id)
		case <-expired:
			idle = false
			break collect
		}
	}
	for _, id := range held {
		p.release(id)
	}
	return idle
}
