// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"sync"
	"sync/atomic"
)

// throttle runs at most Max goroutines at a time and remembers the
// first error reported by any of them. The zero Max means 1.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() {
		max := t.Max
		if max < 1 {
			max = 1
		}
		t.ch = make(chan bool, max)
	})
	t.wg.Add(1)
	t.ch <- true
}

func (t *throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

// Go calls f in a new goroutine once a slot is free. Once any call
// has failed, further calls are skipped and Go returns that error
// without starting f.
func (t *throttle) Go(f func() error) error {
	t.Acquire()
	if err := t.Err(); err != nil {
		t.Release()
		return err
	}
	go func() {
		defer t.Release()
		t.Report(f())
	}()
	return nil
}

// Wait waits for all started goroutines to finish and returns the
// first reported error.
func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
