// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"errors"
	"sync/atomic"
	"time"

	"gopkg.in/check.v1"
)

type throttleSuite struct{}

var _ = check.Suite(&throttleSuite{})

func (s *throttleSuite) TestMaxConcurrency(c *check.C) {
	for _, max := range []int{0, 1, 3} {
		thr := throttle{Max: max}
		var running, peak int32
		for i := 0; i < 20; i++ {
			thr.Go(func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}
		c.Check(thr.Wait(), check.IsNil)
		limit := int32(max)
		if limit < 1 {
			limit = 1
		}
		c.Check(peak <= limit, check.Equals, true, check.Commentf("max %d peak %d", max, peak))
		c.Check(peak >= 1, check.Equals, true)
	}
}

func (s *throttleSuite) TestFirstError(c *check.C) {
	thr := throttle{Max: 1}
	errFirst := errors.New("first")
	var ran int32
	c.Check(thr.Go(func() error { atomic.AddInt32(&ran, 1); return errFirst }), check.IsNil)
	thr.Wait()
	c.Check(thr.Go(func() error { atomic.AddInt32(&ran, 1); return errors.New("second") }), check.Equals, errFirst)
	c.Check(thr.Wait(), check.Equals, errFirst)
	c.Check(atomic.LoadInt32(&ran), check.Equals, int32(1))

	thr = throttle{Max: 2}
	thr.Acquire()
	thr.Report(nil)
	thr.Report(errFirst)
	thr.Report(errors.New("second"))
	thr.Release()
	c.Check(thr.Wait(), check.Equals, errFirst)
}
