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
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvclient/store/tikv/tikvrpc"
	"github.com/pingcap/kvclient/util/logutil"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"go.uber.org/zap"
)

// RegionRequestSender sends KV/Cop requests to tikv server. It handles network
// errors and some region errors internally.
//
// Typically, a KV/Cop request is bind to a region, all keys that are involved
// in the request should be located in the region.
// The sending process begins with looking for the address of leader store's
// address of the target region from cache, and the request is then sent to the
// destination store. Some errors are returned at region level, such as
// NotLeader and EpochNotMatch, the request may need a replica switch or the
// caller may need to re-split its keys. Send failures, ServerIsBusy and
// StaleCommand are retried here until the backoff budget runs out; other
// region errors invalidate the cached region and are returned to the caller.
type RegionRequestSender struct {
	regionCache *RegionCache
	client      Client
	storeAddr   string
	rpcError    error
	selector    *replicaSelector
	// forwardTimeout replaces the normal timeout when the attempt goes
	// through a proxy store, zero means no replacement.
	forwardTimeout time.Duration
}

// NewRegionRequestSender creates a new sender.
func NewRegionRequestSender(regionCache *RegionCache, client Client) *RegionRequestSender {
	return &RegionRequestSender{
		regionCache: regionCache,
		client:      client,
	}
}

// GetRPCError returns the RPC error of the most recent send attempt.
func (s *RegionRequestSender) GetRPCError() error {
	return s.rpcError
}

// SendReq sends a request to tikv server.
func (s *RegionRequestSender) SendReq(bo *Backoffer, req *tikvrpc.Request, regionID RegionVerID, timeout time.Duration) (*tikvrpc.Response, error) {
	resp, _, err := s.SendReqCtx(bo, req, regionID, timeout)
	return resp, err
}

// SendReqCtx sends a request to tikv server and return response and RPCCtx of this RPC.
func (s *RegionRequestSender) SendReqCtx(bo *Backoffer, req *tikvrpc.Request, regionID RegionVerID, timeout time.Duration) (*tikvrpc.Response, *RPCContext, error) {
	for {
		select {
		case <-bo.ctx.Done():
			return nil, nil, errors.Trace(bo.ctx.Err())
		default:
		}

		ctx, err := s.getRPCContext(bo, regionID)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if ctx == nil {
			// If the region is not found in cache, it must be out
			// of date and already be cleaned up. We can skip the
			// RPC by returning RegionError directly.

			// TODO: Change the returned error to something like "region missing in cache",
			// and handle this error like EpochNotMatch, which means to re-split the request and retry.
			resp, err := tikvrpc.GenRegionErrorResp(req, &errorpb.Error{EpochNotMatch: &errorpb.EpochNotMatch{}})
			return resp, nil, err
		}

		s.storeAddr = ctx.Addr
		resp, retry, err := s.sendReqToRegion(bo, ctx, req, timeout)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if retry {
			continue
		}

		regionErr, err := resp.GetRegionError()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if regionErr != nil {
			retry, err := s.onRegionError(bo, ctx, regionErr)
			if err != nil {
				return nil, nil, errors.Trace(err)
			}
			if retry {
				continue
			}
			return resp, ctx, nil
		}

		if s.selector != nil {
			s.selector.onSuccess(ctx)
		} else if ctx.ProxyStore == nil {
			ctx.Store.markReachable()
		}
		return resp, ctx, nil
	}
}

func (s *RegionRequestSender) getRPCContext(bo *Backoffer, regionID RegionVerID) (*RPCContext, error) {
	if s.selector != nil {
		return s.selector.next(bo)
	}
	return s.regionCache.GetRPCContext(bo, regionID)
}

func (s *RegionRequestSender) sendReqToRegion(bo *Backoffer, ctx *RPCContext, req *tikvrpc.Request, timeout time.Duration) (resp *tikvrpc.Response, retry bool, err error) {
	if e := tikvrpc.SetContext(req, ctx.Meta, ctx.Peer); e != nil {
		return nil, false, errors.Trace(e)
	}
	// When forwarding, the RPC is addressed to the proxy store while a
	// request-scoped header names the final destination.
	sendToAddr := ctx.Addr
	if ctx.ProxyStore != nil {
		req.ForwardedHost = ctx.Addr
		sendToAddr = ctx.ProxyAddr
		if s.forwardTimeout > 0 {
			timeout = s.forwardTimeout
		}
	} else {
		req.ForwardedHost = ""
	}
	resp, err = s.client.SendRequest(bo.ctx, sendToAddr, req, timeout)
	if err != nil {
		s.rpcError = err
		if e := s.onSendFail(bo, ctx, err); e != nil {
			return nil, false, errors.Trace(e)
		}
		return nil, true, nil
	}
	return
}

func (s *RegionRequestSender) onSendFail(bo *Backoffer, ctx *RPCContext, err error) error {
	// If it failed because the context is cancelled by ourself, don't retry.
	if errors.Cause(err) == context.Canceled {
		return errors.Trace(err)
	}

	if s.selector == nil {
		s.selector = newReplicaSelector(s.regionCache, ctx)
	}
	if s.selector != nil {
		s.selector.onSendFailure(bo, ctx, err)
	} else {
		s.regionCache.OnSendFail(bo, ctx, false, err)
	}

	// Retry on send request failure when it's not canceled.
	// When a store is not available, the leader of related region should be elected quickly.
	err = bo.Backoff(boStoreRPC, errors.Errorf("send request error: %v, ctx: %s, try next peer later", err, ctx))
	return errors.Trace(err)
}

func (s *RegionRequestSender) onRegionError(bo *Backoffer, ctx *RPCContext, regionErr *errorpb.Error) (retry bool, err error) {
	if notLeader := regionErr.GetNotLeader(); notLeader != nil {
		// Retry if error is `NotLeader`.
		logutil.Logger(bo.ctx).Debug("tikv reports `NotLeader` retry later",
			zap.String("notLeader", notLeader.String()),
			zap.Stringer("ctx", ctx))

		if notLeader.GetLeader() == nil {
			// The peer doesn't know who the current leader is, generally
			// because the raft group is in an election. Try the next peer
			// after a short wait.
			if err = bo.Backoff(BoUpdateLeader, errors.Errorf("not leader: %v, ctx: %s", notLeader, ctx)); err != nil {
				return false, errors.Trace(err)
			}
			s.regionCache.UpdateLeader(ctx.Region, 0, ctx.PeerIdx)
			if s.selector != nil {
				s.selector.onNoLeader()
			}
			return true, nil
		}
		// Switch to the peer the store attached in the error. A leader in a
		// newer membership that the cache has never seen makes UpdateLeader
		// drop the cached region, and the caller has to re-route.
		s.regionCache.UpdateLeader(ctx.Region, notLeader.GetLeader().GetStoreId(), ctx.PeerIdx)
		if s.selector != nil {
			s.selector.onNotLeader(notLeader)
		}
		return true, nil
	}

	if epochNotMatch := regionErr.GetEpochNotMatch(); epochNotMatch != nil {
		logutil.Logger(bo.ctx).Debug("tikv reports `EpochNotMatch` retry later",
			zap.Stringer("EpochNotMatch", epochNotMatch),
			zap.Stringer("ctx", ctx))
		err = s.regionCache.OnRegionEpochNotMatch(bo, ctx, epochNotMatch.CurrentRegions)
		return false, errors.Trace(err)
	}
	if regionErr.GetServerIsBusy() != nil {
		logutil.Logger(bo.ctx).Warn("tikv reports `ServerIsBusy` retry later",
			zap.String("reason", regionErr.GetServerIsBusy().GetReason()),
			zap.Stringer("ctx", ctx))
		err = bo.Backoff(boServerBusy, errors.Errorf("server is busy, ctx: %s", ctx))
		if err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	}
	if regionErr.GetStaleCommand() != nil {
		logutil.Logger(bo.ctx).Debug("tikv reports `StaleCommand`", zap.Stringer("ctx", ctx))
		return true, nil
	}
	if regionErr.GetStoreNotMatch() != nil {
		// store not match
		logutil.Logger(bo.ctx).Warn("tikv reports `StoreNotMatch` retry later",
			zap.Stringer("storeNotMatch", regionErr.GetStoreNotMatch()),
			zap.Stringer("ctx", ctx))
		ctx.Store.markUnreachable(s.regionCache)
		s.regionCache.InvalidateCachedRegion(ctx.Region)
		return false, nil
	}
	if regionErr.GetRegionNotFound() != nil {
		logutil.Logger(bo.ctx).Debug("tikv reports `RegionNotFound` retry later",
			zap.Stringer("ctx", ctx))
		if s.selector != nil {
			s.selector.clearCandidate()
		}
		s.regionCache.InvalidateCachedRegion(ctx.Region)
		return false, nil
	}

	logutil.Logger(bo.ctx).Debug("tikv reports region error",
		zap.Stringer("regionErr", regionErr),
		zap.Stringer("ctx", ctx))
	// For other errors, we only drop cache here.
	// Because caller may need to re-split the request.
	s.regionCache.InvalidateCachedRegion(ctx.Region)
	return false, nil
}

// replicaSelector is a per-request state machine choosing where to send each
// attempt for one region once the known leader failed to answer.
//
// Every request starts on the leader the cache believes in. On a send failure
// it rotates through the remaining followers trying each one as a leader
// candidate, and, when forwarding is enabled and no follower answers directly,
// falls back to reaching the original target through a follower acting as a
// proxy. When every option is spent the region is dropped from the cache so
// the caller re-routes.
type replicaSelector struct {
	regionCache *RegionCache
	region      *Region
	regionStore *RegionStore

	state        selectorState
	leaderIdx    int
	candidateIdx int
	proxyIdx     int

	retryLeaderCnt  int
	retryForwardCnt int
}

type selectorState int

const (
	accessKnownLeader selectorState = iota
	tryFollower
	tryProxy
	selectorExhausted
)

func newReplicaSelector(regionCache *RegionCache, ctx *RPCContext) *replicaSelector {
	region := regionCache.getCachedRegionWithRLock(ctx.Region)
	if region == nil {
		return nil
	}
	rs := region.getStore()
	return &replicaSelector{
		regionCache:  regionCache,
		region:       region,
		regionStore:  rs,
		state:        accessKnownLeader,
		leaderIdx:    ctx.PeerIdx,
		candidateIdx: -1,
		proxyIdx:     -1,
	}
}

// next returns the context of the next attempt, nil when the request budget
// for this region is exhausted.
func (s *replicaSelector) next(bo *Backoffer) (*RPCContext, error) {
	if !s.region.checkRegionCacheTTL(time.Now().Unix()) {
		return nil, nil
	}
	switch s.state {
	case accessKnownLeader:
		return s.buildRPCContext(bo, s.leaderIdx, -1)
	case tryFollower:
		cnt := len(s.regionStore.stores)
		if s.retryLeaderCnt < cnt-1 {
			start := s.candidateIdx
			if start < 0 {
				start = s.leaderIdx
			}
			// circular, starting after the current candidate so no follower
			// is tried twice within one request.
			for i := 1; i <= cnt; i++ {
				idx := (start + i) % cnt
				if idx == s.leaderIdx {
					continue
				}
				store := s.regionStore.stores[idx]
				if store.unreachable() || store.getResolveState() == deleted {
					continue
				}
				s.candidateIdx = idx
				s.retryLeaderCnt++
				return s.buildRPCContext(bo, idx, -1)
			}
		}
		if s.regionCache.enableForwarding {
			s.state = tryProxy
			return s.next(bo)
		}
		return s.exhaust()
	case tryProxy:
		if s.retryForwardCnt >= len(s.regionStore.stores) {
			return s.exhaust()
		}
		proxyStore, proxyIdx := s.regionCache.switchNextProxyStore(s.region, s.proxyIdx)
		if proxyStore == nil {
			return s.exhaust()
		}
		s.proxyIdx = proxyIdx
		s.retryForwardCnt++
		return s.buildRPCContext(bo, s.leaderIdx, proxyIdx)
	}
	return nil, nil
}

func (s *replicaSelector) exhaust() (*RPCContext, error) {
	s.state = selectorExhausted
	s.region.invalidate()
	return nil, nil
}

func (s *replicaSelector) buildRPCContext(bo *Backoffer, idx, proxyIdx int) (*RPCContext, error) {
	store := s.regionStore.stores[idx]
	addr, err := s.regionCache.getStoreAddr(bo, s.region, store, idx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(addr) == 0 {
		return s.exhaust()
	}
	ctx := &RPCContext{
		Region:  s.region.VerID(),
		Meta:    s.region.meta,
		Peer:    s.region.meta.Peers[idx],
		PeerIdx: idx,
		Store:   store,
		Addr:    addr,
	}
	if proxyIdx >= 0 {
		proxyStore := s.regionStore.stores[proxyIdx]
		proxyAddr, err := s.regionCache.getStoreAddr(bo, s.region, proxyStore, proxyIdx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(proxyAddr) == 0 {
			return s.exhaust()
		}
		ctx.ProxyStore = proxyStore
		ctx.ProxyAddr = proxyAddr
	}
	return ctx, nil
}

func (s *replicaSelector) onSendFailure(bo *Backoffer, ctx *RPCContext, err error) {
	if ctx.ProxyStore != nil {
		// the proxy did not answer, rotate the proxy candidate.
		ctx.ProxyStore.markUnreachable(s.regionCache)
		return
	}
	switch s.state {
	case accessKnownLeader:
		s.state = tryFollower
		s.candidateIdx = -1
		// remember the failure on the shared view so other requests move
		// away from this store as well.
		s.regionCache.OnSendFail(bo, ctx, false, err)
	default:
		ctx.Store.markUnreachable(s.regionCache)
	}
}

// onSuccess promotes the candidate follower when the response was served
// through it.
func (s *replicaSelector) onSuccess(ctx *RPCContext) {
	if ctx.ProxyStore != nil {
		// The proxy pairing is already remembered on the region's store view.
		return
	}
	ctx.Store.markReachable()
	if s.state == accessKnownLeader {
		// the work store answered directly, any proxy pairing is stale.
		s.regionCache.clearProxyStore(s.region)
	}
	if s.state == tryFollower && ctx.PeerIdx == s.candidateIdx {
		s.regionCache.UpdateLeader(ctx.Region, ctx.Store.storeID, s.leaderIdx)
		s.leaderIdx = ctx.PeerIdx
		s.candidateIdx = -1
		s.state = accessKnownLeader
	}
}

// onNotLeader adopts the leader the store named in its error.
func (s *replicaSelector) onNotLeader(notLeader *errorpb.NotLeader) {
	leader := notLeader.GetLeader()
	if leader == nil {
		return
	}
	for i, p := range s.region.meta.Peers {
		if p.GetStoreId() == leader.GetStoreId() {
			s.leaderIdx = i
			s.candidateIdx = -1
			s.state = accessKnownLeader
			return
		}
	}
	// The named leader lives outside the cached membership, the region meta
	// is stale and the caller has to re-route.
	s.state = selectorExhausted
}

// onNoLeader reacts to a NotLeader error that carries no leader.
func (s *replicaSelector) onNoLeader() {
	if s.state == accessKnownLeader {
		s.state = tryFollower
		s.candidateIdx = -1
	}
}

func (s *replicaSelector) clearCandidate() {
	s.candidateIdx = -1
}
