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
	"sort"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/kvclient/config"
	"github.com/pingcap/kvclient/store/tikv/tikvrpc"
	"github.com/pingcap/kvclient/util/logutil"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	pd "github.com/pingcap/pd/client"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// MaxRawKVScanLimit is the maximum scan limit for rawkv Scan.
	MaxRawKVScanLimit = 10240
)

// RawKVClient is a client of the kv cluster used as a key-value storage,
// only raw GET/PUT/DELETE commands are supported.
type RawKVClient struct {
	clusterID   uint64
	conf        config.RawClient
	regionCache *RegionCache
	pdClient    pd.Client
	rpcClient   Client
}

// NewRawKVClient creates a client with PD cluster addrs.
func NewRawKVClient(pdAddrs []string, security config.Security) (*RawKVClient, error) {
	pdCli, err := pd.NewClient(pdAddrs, pd.SecurityOption{
		CAPath:   security.ClusterSSLCA,
		CertPath: security.ClusterSSLCert,
		KeyPath:  security.ClusterSSLKey,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	conf := config.GetGlobalConfig().RawClient
	regionCache := NewRegionCache(pdCli)
	regionCache.enableForwarding = conf.EnableForwarding
	return &RawKVClient{
		clusterID:   pdCli.GetClusterID(context.TODO()),
		conf:        conf,
		regionCache: regionCache,
		pdClient:    pdCli,
		rpcClient:   newRPCClient(security),
	}, nil
}

// Close closes the client.
func (c *RawKVClient) Close() error {
	c.pdClient.Close()
	c.regionCache.Close()
	return c.rpcClient.Close()
}

// ClusterID returns the kv cluster ID.
func (c *RawKVClient) ClusterID() uint64 {
	return c.clusterID
}

// Get queries value with the key. When the key does not exist, it returns
// `nil, nil`.
func (c *RawKVClient) Get(ctx context.Context, key []byte) ([]byte, error) {
	req := &tikvrpc.Request{
		Type:   tikvrpc.CmdRawGet,
		RawGet: &kvrpcpb.RawGetRequest{Key: key},
	}
	resp, _, err := c.sendReq(ctx, key, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cmdResp := resp.RawGet
	if cmdResp == nil {
		return nil, errors.Trace(ErrBodyMissing)
	}
	if cmdResp.GetError() != "" {
		return nil, errors.New(cmdResp.GetError())
	}
	if len(cmdResp.Value) == 0 {
		return nil, nil
	}
	return cmdResp.Value, nil
}

// BatchGet queries values with the keys. The returned pairs are in ascending
// key order with absent keys omitted, no matter in which order the per-region
// tasks completed.
func (c *RawKVClient) BatchGet(ctx context.Context, keys [][]byte) ([]*kvrpcpb.KvPair, error) {
	bo := NewBackoffer(ctx, rawkvMaxBackoff)
	resp, err := c.sendBatchReq(bo, keys, tikvrpc.CmdRawBatchGet)
	if err != nil {
		return nil, errors.Trace(err)
	}

	cmdResp := resp.RawBatchGet
	if cmdResp == nil {
		return nil, errors.Trace(ErrBodyMissing)
	}

	pairs := make([]*kvrpcpb.KvPair, 0, len(cmdResp.Pairs))
	for _, pair := range cmdResp.Pairs {
		if len(pair.Value) == 0 {
			continue
		}
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].Key, pairs[j].Key) < 0
	})
	return pairs, nil
}

// Put stores a key-value pair to the cluster.
func (c *RawKVClient) Put(ctx context.Context, key, value []byte) error {
	if len(value) == 0 {
		return errors.New("empty value is not supported")
	}

	req := &tikvrpc.Request{
		Type: tikvrpc.CmdRawPut,
		RawPut: &kvrpcpb.RawPutRequest{
			Key:   key,
			Value: value,
		},
	}
	resp, _, err := c.sendReq(ctx, key, req)
	if err != nil {
		return errors.Trace(err)
	}
	cmdResp := resp.RawPut
	if cmdResp == nil {
		return errors.Trace(ErrBodyMissing)
	}
	if cmdResp.GetError() != "" {
		return errors.New(cmdResp.GetError())
	}
	return nil
}

// BatchPut stores key-value pairs to the cluster. It returns after all batches
// are acknowledged; there is no atomicity across regions.
func (c *RawKVClient) BatchPut(ctx context.Context, keys, values [][]byte) error {
	if len(keys) != len(values) {
		return errors.New("the len of keys is not equal to the len of values")
	}
	for _, value := range values {
		if len(value) == 0 {
			return errors.New("empty value is not supported")
		}
	}
	bo := NewBackoffer(ctx, rawkvMaxBackoff)
	err := c.sendBatchPut(bo, keys, values)
	return errors.Trace(err)
}

// Delete deletes a key-value pair from the cluster.
func (c *RawKVClient) Delete(ctx context.Context, key []byte) error {
	req := &tikvrpc.Request{
		Type: tikvrpc.CmdRawDelete,
		RawDelete: &kvrpcpb.RawDeleteRequest{
			Key: key,
		},
	}
	resp, _, err := c.sendReq(ctx, key, req)
	if err != nil {
		return errors.Trace(err)
	}
	cmdResp := resp.RawDelete
	if cmdResp == nil {
		return errors.Trace(ErrBodyMissing)
	}
	if cmdResp.GetError() != "" {
		return errors.New(cmdResp.GetError())
	}
	return nil
}

// BatchDelete deletes key-value pairs from the cluster.
func (c *RawKVClient) BatchDelete(ctx context.Context, keys [][]byte) error {
	bo := NewBackoffer(ctx, rawkvMaxBackoff)
	resp, err := c.sendBatchReq(bo, keys, tikvrpc.CmdRawBatchDelete)
	if err != nil {
		return errors.Trace(err)
	}
	cmdResp := resp.RawBatchDelete
	if cmdResp == nil {
		return errors.Trace(ErrBodyMissing)
	}
	if cmdResp.GetError() != "" {
		return errors.New(cmdResp.GetError())
	}
	return nil
}

// DeleteRange deletes all key-value pairs in a range from the cluster.
func (c *RawKVClient) DeleteRange(ctx context.Context, startKey []byte, endKey []byte) error {
	// Process each affected region respectively
	for !bytes.Equal(startKey, endKey) {
		resp, actualEndKey, err := c.sendDeleteRangeReq(ctx, startKey, endKey)
		if err != nil {
			return errors.Trace(err)
		}
		cmdResp := resp.RawDeleteRange
		if cmdResp == nil {
			return errors.Trace(ErrBodyMissing)
		}
		if cmdResp.GetError() != "" {
			return errors.New(cmdResp.GetError())
		}
		startKey = actualEndKey
	}
	return nil
}

// Scan queries continuous kv pairs, starts from startKey, up to limit pairs.
// If you want to exclude the startKey, append a '\x00' to the key: `Scan(ctx,
// push(startKey, '\x00'), limit)`.
func (c *RawKVClient) Scan(ctx context.Context, startKey []byte, limit int) (keys [][]byte, values [][]byte, err error) {
	if limit > MaxRawKVScanLimit {
		return nil, nil, errors.Trace(ErrMaxScanLimitExceeded)
	}

	for len(keys) < limit {
		req := &tikvrpc.Request{
			Type: tikvrpc.CmdRawScan,
			RawScan: &kvrpcpb.RawScanRequest{
				StartKey: startKey,
				Limit:    uint32(limit - len(keys)),
			},
		}
		resp, loc, err := c.sendReq(ctx, startKey, req)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		cmdResp := resp.RawScan
		if cmdResp == nil {
			return nil, nil, errors.Trace(ErrBodyMissing)
		}
		for _, pair := range cmdResp.Kvs {
			keys = append(keys, pair.Key)
			values = append(values, pair.Value)
		}
		startKey = loc.EndKey
		if len(startKey) == 0 {
			break
		}
	}
	return
}

func (c *RawKVClient) sendReq(ctx context.Context, key []byte, req *tikvrpc.Request) (*tikvrpc.Response, *KeyLocation, error) {
	bo := NewBackoffer(ctx, rawkvMaxBackoff)
	sender := c.newSender()
	for {
		loc, err := c.regionCache.LocateKey(bo, key)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		resp, err := sender.SendReq(bo, req, loc.Region, c.conf.BatchTimeout.Duration)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		regionErr, err := resp.GetRegionError()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if regionErr != nil {
			err := bo.Backoff(BoRegionMiss, errors.New(regionErr.String()))
			if err != nil {
				return nil, nil, errors.Trace(err)
			}
			continue
		}
		return resp, loc, nil
	}
}

func (c *RawKVClient) newSender() *RegionRequestSender {
	sender := NewRegionRequestSender(c.regionCache, c.rpcClient)
	sender.forwardTimeout = c.conf.ForwardTimeout.Duration
	return sender
}

func (c *RawKVClient) sendBatchReq(bo *Backoffer, keys [][]byte, cmdType tikvrpc.CmdType) (*tikvrpc.Response, error) { // split the keys
	groups, _, err := c.regionCache.GroupKeysByRegion(bo, keys, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var batches []batch
	for regionID, groupKeys := range groups {
		batches = appendKeyBatches(batches, regionID, groupKeys, int(c.conf.MaxBatchSize), int(c.conf.MaxBatchCount))
	}
	if len(batches) == 0 {
		switch cmdType {
		case tikvrpc.CmdRawBatchGet:
			return &tikvrpc.Response{Type: cmdType, RawBatchGet: &kvrpcpb.RawBatchGetResponse{}}, nil
		default:
			return &tikvrpc.Response{Type: cmdType, RawBatchDelete: &kvrpcpb.RawBatchDeleteResponse{}}, nil
		}
	}

	bo, cancel := bo.Fork()
	defer cancel()
	ches := make(chan singleBatchResp, len(batches))
	c.runBatchWorkers(bo, batches, func(workerBo *Backoffer, b batch) {
		ches <- c.doBatchReq(workerBo, b, cmdType)
	})

	var firstError error
	var resps []*tikvrpc.Response
	for i := 0; i < len(batches); i++ {
		singleResp := <-ches
		if singleResp.err != nil {
			// The first terminal failure wins, the rest is cancelled.
			cancel()
			if firstError == nil {
				firstError = singleResp.err
			}
		} else if cmdType == tikvrpc.CmdRawBatchGet && singleResp.resp != nil {
			resps = append(resps, singleResp.resp)
		}
	}
	if firstError != nil {
		return nil, errors.Trace(firstError)
	}
	if cmdType == tikvrpc.CmdRawBatchDelete {
		return &tikvrpc.Response{
			Type:           cmdType,
			RawBatchDelete: &kvrpcpb.RawBatchDeleteResponse{},
		}, nil
	}

	// Merge the read results collected in completion order. The public
	// BatchGet re-sorts them into key order.
	pairs := make([]*kvrpcpb.KvPair, 0, len(keys))
	for _, resp := range resps {
		cmdResp := resp.RawBatchGet
		if cmdResp == nil {
			return nil, errors.Trace(ErrBodyMissing)
		}
		pairs = append(pairs, cmdResp.Pairs...)
	}
	return &tikvrpc.Response{
		Type: cmdType,
		RawBatchGet: &kvrpcpb.RawBatchGetResponse{
			Pairs: pairs,
		},
	}, nil
}

// runBatchWorkers feeds the batches to a bounded pool of workers, each worker
// owning a forked Backoffer.
func (c *RawKVClient) runBatchWorkers(bo *Backoffer, batches []batch, handle func(*Backoffer, batch)) {
	taskCh := make(chan batch, len(batches))
	for _, b := range batches {
		taskCh <- b
	}
	close(taskCh)

	workers := int(c.conf.WorkerPoolSize)
	if workers > len(batches) {
		workers = len(batches)
	}
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		workerBo, workerCancel := bo.Fork()
		go func() {
			defer workerCancel()
			for b := range taskCh {
				handle(workerBo, b)
			}
		}()
	}
}

func (c *RawKVClient) doBatchReq(bo *Backoffer, batch batch, cmdType tikvrpc.CmdType) singleBatchResp {
	failpoint.Inject("rawBatchDispatchDelay", func(val failpoint.Value) {
		if ms, ok := val.(int); ok {
			time.Sleep(time.Millisecond * time.Duration(ms))
		}
	})

	var req *tikvrpc.Request
	switch cmdType {
	case tikvrpc.CmdRawBatchGet:
		req = &tikvrpc.Request{
			Type: cmdType,
			RawBatchGet: &kvrpcpb.RawBatchGetRequest{
				Keys: batch.keys,
			},
		}
	case tikvrpc.CmdRawBatchDelete:
		req = &tikvrpc.Request{
			Type: cmdType,
			RawBatchDelete: &kvrpcpb.RawBatchDeleteRequest{
				Keys: batch.keys,
			},
		}
	}

	sender := c.newSender()
	resp, err := sender.SendReq(bo, req, batch.regionID, c.conf.BatchTimeout.Duration)

	batchResp := singleBatchResp{}
	if err != nil {
		batchResp.err = errors.Trace(err)
		return batchResp
	}
	regionErr, err := resp.GetRegionError()
	if err != nil {
		batchResp.err = errors.Trace(err)
		return batchResp
	}
	if regionErr != nil {
		err := bo.Backoff(BoRegionMiss, errors.New(regionErr.String()))
		if err != nil {
			batchResp.err = errors.Trace(err)
			return batchResp
		}
		// The region moved under us, re-group this batch's keys and retry.
		resp, err = c.sendBatchReq(bo, batch.keys, cmdType)
		batchResp.resp = resp
		batchResp.err = err
		return batchResp
	}

	switch cmdType {
	case tikvrpc.CmdRawBatchGet:
		batchResp.resp = resp
	case tikvrpc.CmdRawBatchDelete:
		cmdResp := resp.RawBatchDelete
		if cmdResp == nil {
			batchResp.err = errors.Trace(ErrBodyMissing)
			return batchResp
		}
		if cmdResp.GetError() != "" {
			batchResp.err = errors.New(cmdResp.GetError())
			return batchResp
		}
		batchResp.resp = resp
	}
	return batchResp
}

// sendDeleteRangeReq sends a raw delete range request and returns the response
// and the actual endKey. If the given range spans over more than one regions,
// the actual endKey is the end of the first region.
func (c *RawKVClient) sendDeleteRangeReq(ctx context.Context, startKey []byte, endKey []byte) (*tikvrpc.Response, []byte, error) {
	bo := NewBackoffer(ctx, rawkvMaxBackoff)
	sender := c.newSender()
	for {
		loc, err := c.regionCache.LocateKey(bo, startKey)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}

		actualEndKey := endKey
		if len(loc.EndKey) > 0 && (len(endKey) == 0 || bytes.Compare(loc.EndKey, endKey) < 0) {
			actualEndKey = loc.EndKey
		}

		req := &tikvrpc.Request{
			Type: tikvrpc.CmdRawDeleteRange,
			RawDeleteRange: &kvrpcpb.RawDeleteRangeRequest{
				StartKey: startKey,
				EndKey:   actualEndKey,
			},
		}

		resp, err := sender.SendReq(bo, req, loc.Region, c.conf.BatchTimeout.Duration)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		regionErr, err := resp.GetRegionError()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if regionErr != nil {
			err := bo.Backoff(BoRegionMiss, errors.New(regionErr.String()))
			if err != nil {
				return nil, nil, errors.Trace(err)
			}
			continue
		}
		return resp, actualEndKey, nil
	}
}

func (c *RawKVClient) sendBatchPut(bo *Backoffer, keys, values [][]byte) error {
	keyToValue := make(map[string][]byte, len(keys))
	for i, key := range keys {
		keyToValue[string(key)] = values[i]
	}
	groups, _, err := c.regionCache.GroupKeysByRegion(bo, keys, nil)
	if err != nil {
		return errors.Trace(err)
	}
	var batches []batch
	// split the keys by size and count
	for regionID, groupKeys := range groups {
		batches = appendBatches(batches, regionID, groupKeys, keyToValue, int(c.conf.MaxBatchSize), int(c.conf.MaxBatchCount))
	}
	if len(batches) == 0 {
		return nil
	}
	logutil.BgLogger().Debug("send batch put request",
		zap.Int("key count", len(keys)),
		zap.Int("batch count", len(batches)))

	bo, cancel := bo.Fork()
	defer cancel()
	ch := make(chan error, len(batches))
	completed := atomic.NewInt32(0)
	c.runBatchWorkers(bo, batches, func(workerBo *Backoffer, b batch) {
		e := c.doBatchPut(workerBo, b)
		if e == nil {
			completed.Inc()
		}
		ch <- e
	})

	var firstError error
	for i := 0; i < len(batches); i++ {
		if e := <-ch; e != nil {
			cancel()
			if firstError == nil {
				firstError = e
			}
		}
	}
	logutil.BgLogger().Debug("batch put done",
		zap.Int32("completed batches", completed.Load()),
		zap.Int("batch count", len(batches)))
	return errors.Trace(firstError)
}

func (c *RawKVClient) doBatchPut(bo *Backoffer, batch batch) error {
	kvPair := make([]*kvrpcpb.KvPair, 0, len(batch.keys))
	for i, key := range batch.keys {
		kvPair = append(kvPair, &kvrpcpb.KvPair{Key: key, Value: batch.values[i]})
	}

	req := &tikvrpc.Request{
		Type: tikvrpc.CmdRawBatchPut,
		RawBatchPut: &kvrpcpb.RawBatchPutRequest{
			Pairs: kvPair,
		},
	}

	sender := c.newSender()
	resp, err := sender.SendReq(bo, req, batch.regionID, c.conf.BatchTimeout.Duration)
	if err != nil {
		return errors.Trace(err)
	}
	regionErr, err := resp.GetRegionError()
	if err != nil {
		return errors.Trace(err)
	}
	if regionErr != nil {
		err := bo.Backoff(BoRegionMiss, errors.New(regionErr.String()))
		if err != nil {
			return errors.Trace(err)
		}
		// recursive call
		return c.sendBatchPut(bo, batch.keys, batch.values)
	}

	cmdResp := resp.RawBatchPut
	if cmdResp == nil {
		return errors.Trace(ErrBodyMissing)
	}
	if cmdResp.GetError() != "" {
		return errors.New(cmdResp.GetError())
	}
	return nil
}

type batch struct {
	regionID RegionVerID
	keys     [][]byte
	values   [][]byte
}

type singleBatchResp struct {
	resp *tikvrpc.Response
	err  error
}

// appendKeyBatches extends batches with the given keys partitioned under both
// the entry count bound and the key byte-size bound. The entry that would blow
// the byte budget starts the next batch, while a lone over-sized entry still
// ships alone so progress is always made.
func appendKeyBatches(batches []batch, regionID RegionVerID, groupKeys [][]byte, sizeLimit, limit int) []batch {
	var keys [][]byte
	var size int
	for _, key := range groupKeys {
		if len(keys) >= limit || (len(keys) > 0 && size+len(key) > sizeLimit) {
			batches = append(batches, batch{regionID: regionID, keys: keys})
			keys = make([][]byte, 0, limit)
			size = 0
		}
		keys = append(keys, key)
		size += len(key)
	}
	if len(keys) != 0 {
		batches = append(batches, batch{regionID: regionID, keys: keys})
	}
	return batches
}

// appendBatches is the key/value counterpart of appendKeyBatches, the byte
// budget covers keys plus values.
func appendBatches(batches []batch, regionID RegionVerID, groupKeys [][]byte, keyToValue map[string][]byte, sizeLimit, limit int) []batch {
	var size int
	var keys, values [][]byte
	for _, key := range groupKeys {
		value := keyToValue[string(key)]
		if len(keys) >= limit || (len(keys) > 0 && size+len(key)+len(value) > sizeLimit) {
			batches = append(batches, batch{regionID: regionID, keys: keys, values: values})
			keys = make([][]byte, 0, limit)
			values = make([][]byte, 0, limit)
			size = 0
		}
		keys = append(keys, key)
		values = append(values, value)
		size += len(key)
		size += len(value)
	}
	if len(keys) != 0 {
		batches = append(batches, batch{regionID: regionID, keys: keys, values: values})
	}
	return batches
}
