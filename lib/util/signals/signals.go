// Package signals dispatches process signals to registered handlers:
// SIGHUP reloads configuration, SIGINT and SIGTERM shut the subsystem down.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// DefaultShutdownTimeout bounds the shutdown handlers.
const DefaultShutdownTimeout = 30 * time.Second

// Handler is called when a signal arrives.
type Handler func()

// Set holds the handlers for one process. The zero value is not usable;
// create one with New.
type Set struct {
	mu        sync.RWMutex
	reload    []Handler
	shutdown  []Handler
	interrupt []Handler
	timeout   time.Duration

	ch       chan os.Signal
	stopOnce sync.Once
}

// New creates a Set listening for the platform's signals.
func New() *Set {
	s := &Set{
		timeout: DefaultShutdownTimeout,
		ch:      make(chan os.Signal, 1),
	}
	notify(s.ch)
	return s
}

// OnReload registers h for SIGHUP. Nil handlers are ignored.
func (s *Set) OnReload(h Handler) {
	s.add(&s.reload, h)
}

// BeforeShutdown registers h to run before the interrupt handlers, for
// example to withdraw published lease sets.
func (s *Set) BeforeShutdown(h Handler) {
	s.add(&s.shutdown, h)
}

// OnInterrupt registers h for SIGINT and SIGTERM.
func (s *Set) OnInterrupt(h Handler) {
	s.add(&s.interrupt, h)
}

// SetShutdownTimeout bounds how long the BeforeShutdown handlers may run.
// Non-positive values restore the default.
func (s *Set) SetShutdownTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultShutdownTimeout
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *Set) add(list *[]Handler, h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	*list = append(*list, h)
	s.mu.Unlock()
}

// Run dispatches signals until ctx is done or Stop is called. It returns
// true when it ended because of an interrupt.
func (s *Set) Run(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sig, ok := <-s.ch:
			if !ok {
				return false
			}
			if s.dispatch(sig) {
				return true
			}
		}
	}
}

// Stop stops signal delivery and ends Run. Safe to call more than once.
func (s *Set) Stop() {
	s.stopOnce.Do(func() {
		signal.Stop(s.ch)
		close(s.ch)
	})
}

func (s *Set) dispatch(sig os.Signal) (interrupted bool) {
	fields := logger.Fields{"at": "(Set) dispatch", "signal": sig.String()}
	switch {
	case isReload(sig):
		log.WithFields(fields).Info("reloading configuration")
		s.runAll(s.snapshot(&s.reload), "reload")
		return false
	case isInterrupt(sig):
		log.WithFields(fields).Info("shutting down")
		s.Shutdown()
		return true
	default:
		log.WithFields(fields).Debug("ignoring signal")
		return false
	}
}

// Shutdown runs the BeforeShutdown handlers, waiting at most the shutdown
// timeout, then the interrupt handlers. It reports whether the first group
// finished in time.
func (s *Set) Shutdown() bool {
	s.mu.RLock()
	timeout := s.timeout
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runAll(s.snapshot(&s.shutdown), "shutdown")
	}()

	inTime := true
	select {
	case <-done:
	case <-time.After(timeout):
		inTime = false
		log.WithFields(logger.Fields{
			"at":      "(Set) Shutdown",
			"timeout": timeout,
		}).Warn("shutdown handlers did not finish in time")
	}
	s.runAll(s.snapshot(&s.interrupt), "interrupt")
	return inTime
}

func (s *Set) snapshot(list *[]Handler) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Handler(nil), (*list)...)
}

// runAll calls every handler in registration order. A panicking handler
// does not stop the others.
func (s *Set) runAll(handlers []Handler, kind string) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":    "(Set) runAll",
						"kind":  kind,
						"panic": r,
					}).Error("signal handler panicked")
				}
			}()
			h()
		}()
	}
}
