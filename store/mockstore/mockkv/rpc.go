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

package mockkv

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvclient/store/tikv/tikvrpc"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// MemStore is an in-memory key-value storage shared by all mock stores of a
// cluster. Region checks in the handler keep requests honest, the data itself
// does not need to be sharded.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore creates a MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string][]byte),
	}
}

// Get returns the value of the key, nil when absent.
func (s *MemStore) Get(key []byte) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[string(key)]
}

// Put stores the pair.
func (s *MemStore) Put(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = value
}

// Delete removes the key.
func (s *MemStore) Delete(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
}

// DeleteRange removes every key in [start, end), empty end means no upper bound.
func (s *MemStore) DeleteRange(start, end []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if bytes.Compare([]byte(k), start) >= 0 &&
			(len(end) == 0 || bytes.Compare([]byte(k), end) < 0) {
			delete(s.data, k)
		}
	}
}

// Scan returns up to limit pairs in [start, end) in ascending key order.
func (s *MemStore) Scan(start, end []byte, limit int) []*kvrpcpb.KvPair {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if bytes.Compare([]byte(k), start) >= 0 &&
			(len(end) == 0 || bytes.Compare([]byte(k), end) < 0) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	pairs := make([]*kvrpcpb.KvPair, 0, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		pairs = append(pairs, &kvrpcpb.KvPair{
			Key:   []byte(k),
			Value: s.data[k],
		})
	}
	return pairs
}

// Close releases the store.
func (s *MemStore) Close() error {
	return nil
}

// RPCClient sends kv RPCs to a mock cluster. It checks the request context
// against the cluster meta the way a store would, and serves the raw commands
// from the shared MemStore.
type RPCClient struct {
	Cluster  *Cluster
	MemStore *MemStore
}

// NewRPCClient creates an RPCClient.
func NewRPCClient(cluster *Cluster, store *MemStore) *RPCClient {
	return &RPCClient{
		Cluster:  cluster,
		MemStore: store,
	}
}

// SendRequest sends a request to the mock cluster.
func (c *RPCClient) SendRequest(ctx context.Context, addr string, req *tikvrpc.Request, timeout time.Duration) (*tikvrpc.Response, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	default:
	}

	// A forwarded request reaches the proxy store first, which relays it to
	// the store named in the header.
	storeAddr := addr
	if len(req.ForwardedHost) > 0 {
		if c.Cluster.GetStoreByAddr(addr) == nil {
			return nil, errors.Errorf("dial %s fail", addr)
		}
		storeAddr = req.ForwardedHost
	}
	store := c.Cluster.GetStoreByAddr(storeAddr)
	if store == nil {
		return nil, errors.Errorf("dial %s fail", storeAddr)
	}

	h := &rpcHandler{
		cluster: c.Cluster,
		mem:     c.MemStore,
		storeID: store.GetId(),
	}
	resp := &tikvrpc.Response{Type: req.Type}
	switch req.Type {
	case tikvrpc.CmdRawGet:
		resp.RawGet = h.handleRawGet(req.RawGet)
	case tikvrpc.CmdRawBatchGet:
		resp.RawBatchGet = h.handleRawBatchGet(req.RawBatchGet)
	case tikvrpc.CmdRawPut:
		resp.RawPut = h.handleRawPut(req.RawPut)
	case tikvrpc.CmdRawBatchPut:
		resp.RawBatchPut = h.handleRawBatchPut(req.RawBatchPut)
	case tikvrpc.CmdRawDelete:
		resp.RawDelete = h.handleRawDelete(req.RawDelete)
	case tikvrpc.CmdRawBatchDelete:
		resp.RawBatchDelete = h.handleRawBatchDelete(req.RawBatchDelete)
	case tikvrpc.CmdRawDeleteRange:
		resp.RawDeleteRange = h.handleRawDeleteRange(req.RawDeleteRange)
	case tikvrpc.CmdRawScan:
		resp.RawScan = h.handleRawScan(req.RawScan)
	default:
		return nil, errors.Errorf("unsupported this request type %v", req.Type)
	}
	return resp, nil
}

// Close closes the client.
func (c *RPCClient) Close() error {
	return nil
}

type rpcHandler struct {
	cluster *Cluster
	mem     *MemStore
	storeID uint64

	startKey []byte
	endKey   []byte
}

func (h *rpcHandler) checkRequestContext(ctx *kvrpcpb.Context) *errorpb.Error {
	region, leaderID := h.cluster.GetRegion(ctx.GetRegionId())
	// No region found.
	if region == nil {
		return &errorpb.Error{
			Message: "region not found",
			RegionNotFound: &errorpb.RegionNotFound{
				RegionId: ctx.GetRegionId(),
			},
		}
	}
	// The store the address reaches is not the store the peer lives on, the
	// client's store address must be stale.
	if ctx.GetPeer() != nil && ctx.GetPeer().GetStoreId() != h.storeID {
		return &errorpb.Error{
			Message: "store not match",
			StoreNotMatch: &errorpb.StoreNotMatch{
				RequestStoreId: ctx.GetPeer().GetStoreId(),
				ActualStoreId:  h.storeID,
			},
		}
	}
	var storePeer, leaderPeer *metapb.Peer
	for _, p := range region.Peers {
		if p.GetStoreId() == h.storeID {
			storePeer = p
		}
		if p.GetId() == leaderID {
			leaderPeer = p
		}
	}
	// The Store does not contain a Peer of the Region.
	if storePeer == nil {
		return &errorpb.Error{
			Message: "region not found",
			RegionNotFound: &errorpb.RegionNotFound{
				RegionId: ctx.GetRegionId(),
			},
		}
	}
	// No leader.
	if leaderPeer == nil {
		return &errorpb.Error{
			Message: "no leader",
			NotLeader: &errorpb.NotLeader{
				RegionId: ctx.GetRegionId(),
			},
		}
	}
	// The Peer on the Store is not leader.
	if storePeer.GetId() != leaderPeer.GetId() {
		return &errorpb.Error{
			Message: "not leader",
			NotLeader: &errorpb.NotLeader{
				RegionId: ctx.GetRegionId(),
				Leader:   leaderPeer,
			},
		}
	}
	// Region epoch does not match.
	if !epochEqual(region.GetRegionEpoch(), ctx.GetRegionEpoch()) {
		nextRegion, _ := h.cluster.GetRegionByKey(region.GetEndKey())
		currentRegions := []*metapb.Region{region}
		if nextRegion != nil && nextRegion.GetId() != region.GetId() {
			currentRegions = append(currentRegions, nextRegion)
		}
		return &errorpb.Error{
			Message: "epoch not match",
			EpochNotMatch: &errorpb.EpochNotMatch{
				CurrentRegions: currentRegions,
			},
		}
	}
	h.startKey, h.endKey = region.StartKey, region.EndKey
	return nil
}

func epochEqual(a, b *metapb.RegionEpoch) bool {
	return a.GetConfVer() == b.GetConfVer() && a.GetVersion() == b.GetVersion()
}

func (h *rpcHandler) checkKeyInRegion(key []byte) bool {
	return regionContains(h.startKey, h.endKey, key)
}

func (h *rpcHandler) keyError(key []byte) *errorpb.Error {
	return &errorpb.Error{
		Message: "key not in region",
		KeyNotInRegion: &errorpb.KeyNotInRegion{
			Key:      key,
			StartKey: h.startKey,
			EndKey:   h.endKey,
		},
	}
}

func (h *rpcHandler) handleRawGet(req *kvrpcpb.RawGetRequest) *kvrpcpb.RawGetResponse {
	if regionErr := h.checkRequestContext(req.GetContext()); regionErr != nil {
		return &kvrpcpb.RawGetResponse{RegionError: regionErr}
	}
	if !h.checkKeyInRegion(req.GetKey()) {
		return &kvrpcpb.RawGetResponse{RegionError: h.keyError(req.GetKey())}
	}
	value := h.mem.Get(req.GetKey())
	return &kvrpcpb.RawGetResponse{
		Value: value,
	}
}

func (h *rpcHandler) handleRawBatchGet(req *kvrpcpb.RawBatchGetRequest) *kvrpcpb.RawBatchGetResponse {
	if regionErr := h.checkRequestContext(req.GetContext()); regionErr != nil {
		return &kvrpcpb.RawBatchGetResponse{RegionError: regionErr}
	}
	pairs := make([]*kvrpcpb.KvPair, 0, len(req.GetKeys()))
	for _, key := range req.GetKeys() {
		if !h.checkKeyInRegion(key) {
			return &kvrpcpb.RawBatchGetResponse{RegionError: h.keyError(key)}
		}
		if value := h.mem.Get(key); len(value) > 0 {
			pairs = append(pairs, &kvrpcpb.KvPair{
				Key:   key,
				Value: value,
			})
		}
	}
	return &kvrpcpb.RawBatchGetResponse{Pairs: pairs}
}

func (h *rpcHandler) handleRawPut(req *kvrpcpb.RawPutRequest) *kvrpcpb.RawPutResponse {
	if regionErr := h.checkRequestContext(req.GetContext()); regionErr != nil {
		return &kvrpcpb.RawPutResponse{RegionError: regionErr}
	}
	if !h.checkKeyInRegion(req.GetKey()) {
		return &kvrpcpb.RawPutResponse{RegionError: h.keyError(req.GetKey())}
	}
	h.mem.Put(req.GetKey(), req.GetValue())
	return &kvrpcpb.RawPutResponse{}
}

func (h *rpcHandler) handleRawBatchPut(req *kvrpcpb.RawBatchPutRequest) *kvrpcpb.RawBatchPutResponse {
	if regionErr := h.checkRequestContext(req.GetContext()); regionErr != nil {
		return &kvrpcpb.RawBatchPutResponse{RegionError: regionErr}
	}
	for _, pair := range req.GetPairs() {
		if !h.checkKeyInRegion(pair.GetKey()) {
			return &kvrpcpb.RawBatchPutResponse{RegionError: h.keyError(pair.GetKey())}
		}
	}
	for _, pair := range req.GetPairs() {
		h.mem.Put(pair.GetKey(), pair.GetValue())
	}
	return &kvrpcpb.RawBatchPutResponse{}
}

func (h *rpcHandler) handleRawDelete(req *kvrpcpb.RawDeleteRequest) *kvrpcpb.RawDeleteResponse {
	if regionErr := h.checkRequestContext(req.GetContext()); regionErr != nil {
		return &kvrpcpb.RawDeleteResponse{RegionError: regionErr}
	}
	if !h.checkKeyInRegion(req.GetKey()) {
		return &kvrpcpb.RawDeleteResponse{RegionError: h.keyError(req.GetKey())}
	}
	h.mem.Delete(req.GetKey())
	return &kvrpcpb.RawDeleteResponse{}
}

func (h *rpcHandler) handleRawBatchDelete(req *kvrpcpb.RawBatchDeleteRequest) *kvrpcpb.RawBatchDeleteResponse {
	if regionErr := h.checkRequestContext(req.GetContext()); regionErr != nil {
		return &kvrpcpb.RawBatchDeleteResponse{RegionError: regionErr}
	}
	for _, key := range req.GetKeys() {
		if !h.checkKeyInRegion(key) {
			return &kvrpcpb.RawBatchDeleteResponse{RegionError: h.keyError(key)}
		}
	}
	for _, key := range req.GetKeys() {
		h.mem.Delete(key)
	}
	return &kvrpcpb.RawBatchDeleteResponse{}
}

func (h *rpcHandler) handleRawDeleteRange(req *kvrpcpb.RawDeleteRangeRequest) *kvrpcpb.RawDeleteRangeResponse {
	if regionErr := h.checkRequestContext(req.GetContext()); regionErr != nil {
		return &kvrpcpb.RawDeleteRangeResponse{RegionError: regionErr}
	}
	if !h.checkKeyInRegion(req.GetStartKey()) {
		return &kvrpcpb.RawDeleteRangeResponse{RegionError: h.keyError(req.GetStartKey())}
	}
	h.mem.DeleteRange(req.GetStartKey(), req.GetEndKey())
	return &kvrpcpb.RawDeleteRangeResponse{}
}

func (h *rpcHandler) handleRawScan(req *kvrpcpb.RawScanRequest) *kvrpcpb.RawScanResponse {
	if regionErr := h.checkRequestContext(req.GetContext()); regionErr != nil {
		return &kvrpcpb.RawScanResponse{RegionError: regionErr}
	}
	startKey := req.GetStartKey()
	if bytes.Compare(startKey, h.startKey) < 0 {
		startKey = h.startKey
	}
	return &kvrpcpb.RawScanResponse{
		Kvs: h.mem.Scan(startKey, h.endKey, int(req.GetLimit())),
	}
}
