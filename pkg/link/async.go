package link

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"devlink/pkg/observability"
	"devlink/pkg/protocol"
)

var (
	ErrAsyncQueueFull = errors.New("link: async receiver queue full")
	ErrAsyncClosed    = errors.New("link: async receiver closed")
)

type delivery struct {
	from Link
	p    *protocol.Package
}

// AsyncReceiver moves slow receivers off the link's read goroutine. Packages
// are queued in arrival order and handed to next on a worker goroutine; when
// the queue is full the package is dropped.
type AsyncReceiver struct {
	next  Receiver
	ch    chan delivery
	done  chan struct{}
	wg    sync.WaitGroup
	close sync.Once
	log   *zap.Logger
}

func NewAsyncReceiver(next Receiver, queue int) *AsyncReceiver {
	if queue <= 0 {
		queue = 64
	}
	a := &AsyncReceiver{
		next: next,
		ch:   make(chan delivery, queue),
		done: make(chan struct{}),
		log:  zap.L().Named("link.async"),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncReceiver) ReceivePackage(from Link, p *protocol.Package) error {
	select {
	case <-a.done:
		return ErrAsyncClosed
	default:
	}
	select {
	case a.ch <- delivery{from: from, p: p}:
		return nil
	default:
		observability.AsyncDropped.Inc()
		return ErrAsyncQueueFull
	}
}

// Close stops the worker after the packages already queued are handled.
func (a *AsyncReceiver) Close() {
	a.close.Do(func() { close(a.done) })
	a.wg.Wait()
}

func (a *AsyncReceiver) run() {
	defer a.wg.Done()
	for {
		select {
		case d := <-a.ch:
			a.handle(d)
		case <-a.done:
			for {
				select {
				case d := <-a.ch:
					a.handle(d)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncReceiver) handle(d delivery) {
	defer func() {
		if v := recover(); v != nil {
			a.log.Error("async receiver panic", zap.Any("panic", v), zap.String("type", d.p.Type()))
		}
	}()
	if err := a.next.ReceivePackage(d.from, d.p); err != nil {
		a.log.Warn("async receiver failed", zap.String("type", d.p.Type()), zap.Error(err))
	}
}
