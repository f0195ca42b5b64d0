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
	"fmt"
	"time"

	. "github.com/pingcap/check"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvclient/store/mockstore/mockkv"
	"github.com/pingcap/kvclient/store/tikv/tikvrpc"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

type testRegionRequestSuite struct {
	OneByOneSuite
	cluster  *mockkv.Cluster
	store1   uint64
	store2   uint64
	store3   uint64
	peer1    uint64
	peer2    uint64
	peer3    uint64
	region1  uint64
	cache    *RegionCache
	memStore *mockkv.MemStore
	client   Client
}

var _ = Suite(&testRegionRequestSuite{})

func (s *testRegionRequestSuite) SetUpTest(c *C) {
	s.cluster = mockkv.NewCluster()
	storeIDs, peerIDs, regionID, _ := mockkv.BootstrapWithMultiStores(s.cluster, 3)
	s.region1 = regionID
	s.store1, s.store2, s.store3 = storeIDs[0], storeIDs[1], storeIDs[2]
	s.peer1, s.peer2, s.peer3 = peerIDs[0], peerIDs[1], peerIDs[2]
	s.cache = NewRegionCache(mockkv.NewPDClient(s.cluster))
	s.memStore = mockkv.NewMemStore()
	s.client = mockkv.NewRPCClient(s.cluster, s.memStore)
}

func (s *testRegionRequestSuite) TearDownTest(c *C) {
	s.cache.Close()
}

func (s *testRegionRequestSuite) storeAddr(id uint64) string {
	return fmt.Sprintf("store%d", id)
}

// fnClient wraps a Client and lets a test fail chosen sends, simulating an
// unreachable store.
type fnClient struct {
	cli Client
	fn  func(addr string, req *tikvrpc.Request) error
}

func (f *fnClient) Close() error {
	return f.cli.Close()
}

func (f *fnClient) SendRequest(ctx context.Context, addr string, req *tikvrpc.Request, timeout time.Duration) (*tikvrpc.Response, error) {
	if err := f.fn(addr, req); err != nil {
		return nil, err
	}
	return f.cli.SendRequest(ctx, addr, req, timeout)
}

func rawPutRequest(key, value string) *tikvrpc.Request {
	return &tikvrpc.Request{
		Type: tikvrpc.CmdRawPut,
		RawPut: &kvrpcpb.RawPutRequest{
			Key:   []byte(key),
			Value: []byte(value),
		},
	}
}

func (s *testRegionRequestSuite) sendPut(c *C, bo *Backoffer, client Client, key, value string) (*tikvrpc.Response, error) {
	loc, err := s.cache.LocateKey(bo, []byte(key))
	c.Assert(err, IsNil)
	sender := NewRegionRequestSender(s.cache, client)
	return sender.SendReq(bo, rawPutRequest(key, value), loc.Region, ReadTimeoutShort)
}

func (s *testRegionRequestSuite) TestSendReqToLeader(c *C) {
	bo := NewBackoffer(context.Background(), 5000)
	resp, err := s.sendPut(c, bo, s.client, "k", "v")
	c.Assert(err, IsNil)
	regionErr, err := resp.GetRegionError()
	c.Assert(err, IsNil)
	c.Assert(regionErr, IsNil)
	c.Assert(s.memStore.Get([]byte("k")), BytesEquals, []byte("v"))
}

func (s *testRegionRequestSuite) TestLeaderFailover(c *C) {
	// The cluster elected store2's peer but the cache still believes in
	// store1, and store1 stops answering.
	unreachable := s.storeAddr(s.store1)
	client := &fnClient{cli: s.client, fn: func(addr string, req *tikvrpc.Request) error {
		if addr == unreachable && len(req.ForwardedHost) == 0 {
			return errors.New("connection refused")
		}
		return nil
	}}

	bo := NewBackoffer(context.Background(), 10000)
	loc, err := s.cache.LocateKey(bo, []byte("k"))
	c.Assert(err, IsNil)
	s.cluster.ChangeLeader(s.region1, s.peer2)
	resp, err := s.sendPut(c, bo, client, "k", "v")
	c.Assert(err, IsNil)
	regionErr, err := resp.GetRegionError()
	c.Assert(err, IsNil)
	c.Assert(regionErr, IsNil)
	c.Assert(s.memStore.Get([]byte("k")), BytesEquals, []byte("v"))

	// the answering follower got promoted in the cache
	r := s.cache.getCachedRegionWithRLock(loc.Region)
	c.Assert(r, NotNil)
	c.Assert(r.GetLeaderStoreID(), Equals, s.store2)
}

func (s *testRegionRequestSuite) TestNotLeaderRedirect(c *C) {
	// Leadership moved but every store still answers, the first response
	// carries the new leader.
	bo := NewBackoffer(context.Background(), 5000)
	loc, err := s.cache.LocateKey(bo, []byte("k"))
	c.Assert(err, IsNil)

	s.cluster.ChangeLeader(s.region1, s.peer3)
	resp, err := s.sendPut(c, bo, s.client, "k", "v")
	c.Assert(err, IsNil)
	regionErr, err := resp.GetRegionError()
	c.Assert(err, IsNil)
	c.Assert(regionErr, IsNil)

	r := s.cache.getCachedRegionWithRLock(loc.Region)
	c.Assert(r, NotNil)
	c.Assert(r.GetLeaderStoreID(), Equals, s.store3)
}

func (s *testRegionRequestSuite) TestNoLeaderBackoffExhausted(c *C) {
	s.cluster.GiveUpLeader(s.region1)

	bo := NewBackoffer(context.Background(), 50)
	_, err := s.sendPut(c, bo, s.client, "k", "v")
	c.Assert(err, NotNil)
}

func (s *testRegionRequestSuite) TestAllReplicasUnreachable(c *C) {
	client := &fnClient{cli: s.client, fn: func(addr string, req *tikvrpc.Request) error {
		return errors.New("connection refused")
	}}

	bo := NewBackoffer(context.Background(), 30000)
	loc, err := s.cache.LocateKey(bo, []byte("k"))
	c.Assert(err, IsNil)
	resp, err := s.sendPut(c, bo, client, "k", "v")
	c.Assert(err, IsNil)
	// every option spent, the caller is told to re-route
	regionErr, err := resp.GetRegionError()
	c.Assert(err, IsNil)
	c.Assert(regionErr, NotNil)
	c.Assert(regionErr.GetEpochNotMatch(), NotNil)
	// and the region is gone from the cache
	c.Assert(s.cache.searchCachedRegion([]byte("k"), false), IsNil)
	_ = loc
}

func (s *testRegionRequestSuite) TestProxyForward(c *C) {
	s.cache.enableForwarding = true
	// store1 keeps the lease but the client cannot reach it directly.
	unreachable := s.storeAddr(s.store1)
	client := &fnClient{cli: s.client, fn: func(addr string, req *tikvrpc.Request) error {
		if addr == unreachable && len(req.ForwardedHost) == 0 {
			return errors.New("connection refused")
		}
		return nil
	}}

	bo := NewBackoffer(context.Background(), 30000)
	loc, err := s.cache.LocateKey(bo, []byte("k"))
	c.Assert(err, IsNil)
	resp, err := s.sendPut(c, bo, client, "k", "v")
	c.Assert(err, IsNil)
	regionErr, err := resp.GetRegionError()
	c.Assert(err, IsNil)
	c.Assert(regionErr, IsNil)
	c.Assert(s.memStore.Get([]byte("k")), BytesEquals, []byte("v"))

	// the proxy pairing is remembered for later requests
	r := s.cache.getCachedRegionWithRLock(loc.Region)
	c.Assert(r, NotNil)
	c.Assert(r.getStore().proxyStoreIdx >= 0, IsTrue)
}

func (s *testRegionRequestSuite) TestMissingRegionReturnsReRoute(c *C) {
	bo := NewBackoffer(context.Background(), 5000)
	sender := NewRegionRequestSender(s.cache, s.client)
	resp, err := sender.SendReq(bo, rawPutRequest("k", "v"), RegionVerID{id: 1234}, ReadTimeoutShort)
	c.Assert(err, IsNil)
	regionErr, err := resp.GetRegionError()
	c.Assert(err, IsNil)
	c.Assert(regionErr.GetEpochNotMatch(), NotNil)
}

func (s *testRegionRequestSuite) TestSendCancelled(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	bo := NewBackoffer(ctx, 5000)
	loc, err := s.cache.LocateKey(bo, []byte("k"))
	c.Assert(err, IsNil)
	cancel()
	sender := NewRegionRequestSender(s.cache, s.client)
	_, err = sender.SendReq(bo, rawPutRequest("k", "v"), loc.Region, ReadTimeoutShort)
	c.Assert(errors.Cause(err), Equals, context.Canceled)
}
