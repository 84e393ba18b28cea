// Package lifecycle coordinates graceful shutdown. New leases and runs are
// refused once draining starts; in-flight runs and open output streams get a
// bounded window to complete so a deploy never interrupts an execution
// mid-destroy.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDrainTimeout = errors.New("timeout waiting for in-flight runs to drain")

// DrainManager tracks draining state, in-flight run executions and open
// output streams.
type DrainManager struct {
	draining atomic.Bool

	runsActive    atomic.Int64
	streamsActive atomic.Int64
	wg            sync.WaitGroup
}

func NewDrainManager() *DrainManager {
	return &DrainManager{}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) IsDraining() bool {
	return m.draining.Load()
}

func (m *DrainManager) ActiveRuns() int64 {
	return m.runsActive.Load()
}

func (m *DrainManager) ActiveStreams() int64 {
	return m.streamsActive.Load()
}

// TrackRun registers an in-flight run execution and returns a release
// callback. The callback is idempotent.
func (m *DrainManager) TrackRun() func() {
	m.wg.Add(1)
	m.runsActive.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.runsActive.Add(-1)
			m.wg.Done()
		})
	}
}

// TrackStream registers an open run output stream and returns a release
// callback.
func (m *DrainManager) TrackStream() func() {
	m.wg.Add(1)
	m.streamsActive.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.streamsActive.Add(-1)
			m.wg.Done()
		})
	}
}

// Wait blocks until all tracked runs and streams have released, or ctx
// expires.
func (m *DrainManager) Wait(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		return errDrainTimeout
	case <-waitDone:
		return nil
	}
}
