// Copyright 2025 Ekjot Singh
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tikv

import (
	"context"

	. "github.com/pingcap/check"
	"github.com/pingcap/errors"
)

type testBackoffSuite struct {
	OneByOneSuite
}

var _ = Suite(&testBackoffSuite{})

func (s *testBackoffSuite) TestBudgetExhausted(c *C) {
	bo := NewBackoffer(context.Background(), 5)
	var err error
	for i := 0; i < 100; i++ {
		err = bo.Backoff(BoRegionMiss, errors.New("region miss"))
		if err != nil {
			break
		}
	}
	c.Assert(err, NotNil)
	c.Assert(errors.Cause(err), Equals, ErrRegionUnavailable)
	c.Assert(bo.GetTotalSleep() >= 5, IsTrue)
}

func (s *testBackoffSuite) TestCancel(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bo := NewBackoffer(ctx, 5000)
	err := bo.Backoff(BoPDRPC, errors.New("pd rpc"))
	c.Assert(errors.Cause(err), Equals, context.Canceled)
}

func (s *testBackoffSuite) TestFork(c *C) {
	bo := NewBackoffer(context.Background(), 200)
	err := bo.Backoff(BoUpdateLeader, errors.New("no leader"))
	c.Assert(err, IsNil)

	forked, cancel := bo.Fork()
	defer cancel()
	// the fork inherits the consumed budget
	c.Assert(forked.GetTotalSleep(), Equals, bo.GetTotalSleep())
	c.Assert(forked.GetCtx(), NotNil)

	// cancelling the fork does not touch the parent
	cancel()
	err = bo.Backoff(BoUpdateLeader, errors.New("no leader"))
	c.Assert(err, IsNil)
	err = forked.Backoff(BoUpdateLeader, errors.New("no leader"))
	c.Assert(errors.Cause(err), Equals, context.Canceled)
}
