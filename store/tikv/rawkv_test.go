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
	"bytes"
	"context"
	"fmt"

	. "github.com/pingcap/check"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvclient/config"
	"github.com/pingcap/kvclient/store/mockstore/mockkv"
)

type testRawKVSuite struct {
	OneByOneSuite
	cluster *mockkv.Cluster
	client  *RawKVClient
	bo      *Backoffer
}

var _ = Suite(&testRawKVSuite{})

func (s *testRawKVSuite) SetUpTest(c *C) {
	s.cluster = mockkv.NewCluster()
	mockkv.BootstrapWithSingleStore(s.cluster)
	memStore := mockkv.NewMemStore()
	pdClient := mockkv.NewPDClient(s.cluster)
	s.client = &RawKVClient{
		clusterID:   0,
		conf:        config.NewConfig().RawClient,
		regionCache: NewRegionCache(pdClient),
		pdClient:    pdClient,
		rpcClient:   mockkv.NewRPCClient(s.cluster, memStore),
	}
	s.bo = NewBackoffer(context.Background(), 5000)
}

func (s *testRawKVSuite) TearDownTest(c *C) {
	s.client.Close()
}

func (s *testRawKVSuite) mustNotExist(c *C, key []byte) {
	v, err := s.client.Get(context.Background(), key)
	c.Assert(err, IsNil)
	c.Assert(v, IsNil)
}

func (s *testRawKVSuite) mustGet(c *C, key, value []byte) {
	v, err := s.client.Get(context.Background(), key)
	c.Assert(err, IsNil)
	c.Assert(v, NotNil)
	c.Assert(v, BytesEquals, value)
}

func (s *testRawKVSuite) mustPut(c *C, key, value []byte) {
	err := s.client.Put(context.Background(), key, value)
	c.Assert(err, IsNil)
}

func (s *testRawKVSuite) mustDelete(c *C, key []byte) {
	err := s.client.Delete(context.Background(), key)
	c.Assert(err, IsNil)
}

func (s *testRawKVSuite) mustBatchPut(c *C, keys, values [][]byte) {
	err := s.client.BatchPut(context.Background(), keys, values)
	c.Assert(err, IsNil)
}

func (s *testRawKVSuite) mustBatchDelete(c *C, keys [][]byte) {
	err := s.client.BatchDelete(context.Background(), keys)
	c.Assert(err, IsNil)
}

func (s *testRawKVSuite) mustScan(c *C, startKey string, limit int, expect ...string) {
	keys, values, err := s.client.Scan(context.Background(), []byte(startKey), limit)
	c.Assert(err, IsNil)
	c.Assert(len(keys)*2, Equals, len(expect))
	for i := range keys {
		c.Assert(string(keys[i]), Equals, expect[i*2])
		c.Assert(string(values[i]), Equals, expect[i*2+1])
	}
}

func (s *testRawKVSuite) mustDeleteRange(c *C, startKey, endKey []byte, expected map[string]string) {
	err := s.client.DeleteRange(context.Background(), startKey, endKey)
	c.Assert(err, IsNil)

	for keyStr := range expected {
		key := []byte(keyStr)
		if bytes.Compare(startKey, key) <= 0 && bytes.Compare(key, endKey) < 0 {
			delete(expected, keyStr)
		}
	}

	s.checkData(c, expected)
}

func (s *testRawKVSuite) checkData(c *C, expected map[string]string) {
	keys, values, err := s.client.Scan(context.Background(), []byte(""), len(expected)+1)
	c.Assert(err, IsNil)

	c.Assert(len(expected), Equals, len(keys))
	for i, key := range keys {
		c.Assert(expected[string(key)], Equals, string(values[i]))
	}
}

func (s *testRawKVSuite) split(c *C, regionKey string) {
	loc, err := s.client.regionCache.LocateKey(s.bo, []byte(regionKey))
	c.Assert(err, IsNil)

	newRegionID, peerID := s.cluster.AllocID(), s.cluster.AllocID()
	s.cluster.SplitRaw(loc.Region.GetID(), newRegionID, []byte(regionKey), []uint64{peerID}, peerID)
}

func (s *testRawKVSuite) TestSimple(c *C) {
	s.mustNotExist(c, []byte("key"))
	s.mustPut(c, []byte("key"), []byte("value"))
	s.mustGet(c, []byte("key"), []byte("value"))
	s.mustDelete(c, []byte("key"))
	s.mustNotExist(c, []byte("key"))
	err := s.client.Put(context.Background(), []byte("key"), []byte(""))
	c.Assert(err, NotNil)
}

func (s *testRawKVSuite) TestSplit(c *C) {
	s.mustPut(c, []byte("k1"), []byte("v1"))
	s.mustPut(c, []byte("k3"), []byte("v3"))

	s.split(c, "k2")

	s.mustGet(c, []byte("k1"), []byte("v1"))
	s.mustGet(c, []byte("k3"), []byte("v3"))
}

func (s *testRawKVSuite) TestBatchGet(c *C) {
	s.mustBatchPut(c,
		[][]byte{[]byte("a"), []byte("b"), []byte("d"), []byte("e")},
		[][]byte{[]byte("va"), []byte("vb"), []byte("vd"), []byte("ve")})

	s.split(c, "c")
	s.split(c, "e")

	// out-of-order input, cross-region; output is in ascending key order with
	// the absent key omitted.
	pairs, err := s.client.BatchGet(context.Background(),
		[][]byte{[]byte("d"), []byte("b"), []byte("a"), []byte("x"), []byte("e")})
	c.Assert(err, IsNil)
	c.Assert(pairs, HasLen, 4)
	expect := []string{"a", "b", "d", "e"}
	for i, pair := range pairs {
		c.Assert(string(pair.Key), Equals, expect[i])
		c.Assert(string(pair.Value), Equals, "v"+expect[i])
	}
}

func (s *testRawKVSuite) TestBatchPut(c *C) {
	s.split(c, "b")
	s.split(c, "d")

	s.mustBatchPut(c,
		[][]byte{[]byte("c"), []byte("a"), []byte("d"), []byte("b")},
		[][]byte{[]byte("vc"), []byte("va"), []byte("vd"), []byte("vb")})

	s.mustGet(c, []byte("a"), []byte("va"))
	s.mustGet(c, []byte("b"), []byte("vb"))
	s.mustGet(c, []byte("c"), []byte("vc"))
	s.mustGet(c, []byte("d"), []byte("vd"))
}

func (s *testRawKVSuite) TestBatchPutAfterSplit(c *C) {
	// warm the cache, then move the regions under it; the stale epochs are
	// resolved by re-grouping inside the dispatch.
	s.mustPut(c, []byte("a"), []byte("old"))
	s.mustPut(c, []byte("x"), []byte("old"))

	s.split(c, "m")

	s.mustBatchPut(c,
		[][]byte{[]byte("a"), []byte("x")},
		[][]byte{[]byte("va"), []byte("vx")})

	s.mustGet(c, []byte("a"), []byte("va"))
	s.mustGet(c, []byte("x"), []byte("vx"))
}

func (s *testRawKVSuite) TestBatchDelete(c *C) {
	s.split(c, "c")
	s.mustBatchPut(c,
		[][]byte{[]byte("a"), []byte("b"), []byte("d")},
		[][]byte{[]byte("va"), []byte("vb"), []byte("vd")})

	s.mustBatchDelete(c, [][]byte{[]byte("a"), []byte("d")})
	s.mustNotExist(c, []byte("a"))
	s.mustGet(c, []byte("b"), []byte("vb"))
	s.mustNotExist(c, []byte("d"))
}

func (s *testRawKVSuite) TestBatchPutValueMismatch(c *C) {
	err := s.client.BatchPut(context.Background(),
		[][]byte{[]byte("a")},
		[][]byte{[]byte("va"), []byte("vb")})
	c.Assert(err, NotNil)
	err = s.client.BatchPut(context.Background(),
		[][]byte{[]byte("a")},
		[][]byte{[]byte("")})
	c.Assert(err, NotNil)
}

func (s *testRawKVSuite) TestScan(c *C) {
	s.mustBatchPut(c,
		[][]byte{[]byte("k1"), []byte("k3"), []byte("k5"), []byte("k7")},
		[][]byte{[]byte("v1"), []byte("v3"), []byte("v5"), []byte("v7")})

	check := func() {
		s.mustScan(c, "", 1, "k1", "v1")
		s.mustScan(c, "k1", 2, "k1", "v1", "k3", "v3")
		s.mustScan(c, "", 10, "k1", "v1", "k3", "v3", "k5", "v5", "k7", "v7")
		s.mustScan(c, "k2", 2, "k3", "v3", "k5", "v5")
		s.mustScan(c, "k2", 3, "k3", "v3", "k5", "v5", "k7", "v7")
	}

	check()

	s.split(c, "k2")
	check()

	s.split(c, "k5")
	check()
}

func (s *testRawKVSuite) TestDeleteRange(c *C) {
	// Init data
	testData := map[string]string{}
	for _, i := range []byte("abcd") {
		for j := byte('0'); j <= byte('9'); j++ {
			key := []byte{i, j}
			value := []byte{'v', i, j}
			s.mustPut(c, key, value)

			testData[string(key)] = string(value)
		}
	}

	s.split(c, "b")
	s.split(c, "c")
	s.split(c, "d")

	s.checkData(c, testData)
	s.mustDeleteRange(c, []byte("b"), []byte("c0"), testData)
	s.mustDeleteRange(c, []byte("c11"), []byte("c12"), testData)
	s.mustDeleteRange(c, []byte("d0"), []byte("d0"), testData)
	s.mustDeleteRange(c, []byte("c5"), []byte("d5"), testData)
	s.mustDeleteRange(c, []byte("a"), []byte("z"), testData)
}

func (s *testRawKVSuite) TestCancel(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.client.BatchPut(ctx, [][]byte{[]byte("a")}, [][]byte{[]byte("va")})
	c.Assert(err, NotNil)
	c.Assert(errors.Cause(err), Equals, context.Canceled)

	_, err = s.client.BatchGet(ctx, [][]byte{[]byte("a")})
	c.Assert(err, NotNil)
}

func (s *testRawKVSuite) TestSmallWorkerPool(c *C) {
	s.client.conf.WorkerPoolSize = 2
	for _, k := range []string{"b", "c", "d", "e"} {
		s.split(c, k)
	}

	keys := make([][]byte, 0, 10)
	values := make([][]byte, 0, 10)
	for i := 0; i < 10; i++ {
		keys = append(keys, []byte(fmt.Sprintf("%c%d", 'a'+i%5, i)))
		values = append(values, []byte(fmt.Sprintf("value%d", i)))
	}
	s.mustBatchPut(c, keys, values)
	for i := range keys {
		s.mustGet(c, keys[i], values[i])
	}
}

func (s *testRawKVSuite) TestMaxScanLimit(c *C) {
	_, _, err := s.client.Scan(context.Background(), []byte(""), MaxRawKVScanLimit+1)
	c.Assert(errors.Cause(err), Equals, ErrMaxScanLimitExceeded)
}

func (s *testRawKVSuite) TestAppendKeyBatches(c *C) {
	regionID := RegionVerID{id: 1}
	mkKey := func(size int) []byte { return bytes.Repeat([]byte{'k'}, size) }

	// the count bound alone splits evenly
	batches := appendKeyBatches(nil, regionID,
		[][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}, 1000, 2)
	c.Assert(batches, HasLen, 2)
	c.Assert(batches[0].keys, DeepEquals, [][]byte{[]byte("a"), []byte("b")})
	c.Assert(batches[1].keys, DeepEquals, [][]byte{[]byte("c"), []byte("d")})

	// the byte budget trumps the count: the entry that would blow it starts
	// the next batch
	batches = appendKeyBatches(nil, regionID, [][]byte{mkKey(900), mkKey(200)}, 1000, 10)
	c.Assert(batches, HasLen, 2)
	c.Assert(batches[0].keys, HasLen, 1)
	c.Assert(batches[1].keys, HasLen, 1)

	// a lone over-sized entry still ships
	batches = appendKeyBatches(nil, regionID, [][]byte{mkKey(2000)}, 1000, 10)
	c.Assert(batches, HasLen, 1)
	c.Assert(batches[0].keys, HasLen, 1)

	// empty input is a no-op
	batches = appendKeyBatches(nil, regionID, nil, 1000, 10)
	c.Assert(batches, HasLen, 0)

	// concatenating the batches reproduces the input order
	input := [][]byte{mkKey(300), mkKey(300), mkKey(300), mkKey(300), mkKey(300)}
	batches = appendKeyBatches(nil, regionID, input, 700, 2)
	var flat [][]byte
	for _, b := range batches {
		c.Assert(len(b.keys) <= 2, IsTrue)
		flat = append(flat, b.keys...)
	}
	c.Assert(flat, DeepEquals, input)
}

func (s *testRawKVSuite) TestAppendBatches(c *C) {
	regionID := RegionVerID{id: 1}
	keyToValue := map[string][]byte{
		"a": bytes.Repeat([]byte{'v'}, 500),
		"b": bytes.Repeat([]byte{'v'}, 500),
		"c": bytes.Repeat([]byte{'v'}, 500),
	}
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}

	// value bytes count against the budget
	batches := appendBatches(nil, regionID, keys, keyToValue, 600, 10)
	c.Assert(batches, HasLen, 3)
	for i, b := range batches {
		c.Assert(b.keys, DeepEquals, [][]byte{keys[i]})
		c.Assert(b.values, DeepEquals, [][]byte{keyToValue[string(keys[i])]})
	}

	// a large enough budget keeps them together
	batches = appendBatches(nil, regionID, keys, keyToValue, 10000, 10)
	c.Assert(batches, HasLen, 1)
	c.Assert(batches[0].keys, DeepEquals, keys)
}
