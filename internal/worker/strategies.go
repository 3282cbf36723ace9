package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/atlas-ai/atlas-cache/internal/cache"
	"github.com/atlas-ai/atlas-cache/internal/logging"
)

// cacheFirst 命中直接返回；未命中回源，写入分区后返回另一份副本。
// 回源失败直接向调用方传播，不做回退。
func (w *Worker) cacheFirst(ctx context.Context, route Route, partition string, req *http.Request) (*Result, error) {
	key := cache.KeyForRequest(req)
	part := w.openPartition(ctx, partition)
	if part != nil {
		if cached := w.lookup(ctx, part, key); cached != nil {
			return &Result{Response: cached.HTTPResponse(req), Route: route, CacheHit: true}, nil
		}
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshot, err := cache.FromHTTPResponse(resp)
	if err != nil {
		return nil, err
	}
	if part != nil {
		w.store(ctx, part, key, snapshot)
	}
	return &Result{Response: snapshot.HTTPResponse(req), Route: route}, nil
}

type revalidation struct {
	snapshot *cache.Response
	err      error
}

// staleWhileRevalidate 总是在后台回源并刷新 runtime 分区；
// 有缓存时立即返回缓存，否则等待这次回源的结果。
func (w *Worker) staleWhileRevalidate(ctx context.Context, req *http.Request) (*Result, error) {
	route := RouteStaleWhileRevalidate
	key := cache.KeyForRequest(req)
	part := w.openPartition(ctx, w.runtimeCacheName)

	var cached *cache.Response
	if part != nil {
		cached = w.lookup(ctx, part, key)
	}

	// 后台回源不随调用方的请求结束而取消，否则缓存永远刷新不到
	bgCtx := context.WithoutCancel(ctx)
	bgReq := req.Clone(bgCtx)
	done := make(chan revalidation, 1)
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		resp, err := w.fetcher.Fetch(bgCtx, bgReq)
		if err != nil {
			if cached != nil {
				w.logger.WithFields(logging.CacheFields("revalidate", w.runtimeCacheName, key.URL)).WithError(err).Warn("revalidate_failed")
			}
			done <- revalidation{err: err}
			return
		}
		snapshot, err := cache.FromHTTPResponse(resp)
		if err != nil {
			done <- revalidation{err: err}
			return
		}
		if part != nil {
			w.store(bgCtx, part, key, snapshot)
		}
		done <- revalidation{snapshot: snapshot}
	}()

	if cached != nil {
		return &Result{Response: cached.HTTPResponse(req), Route: route, CacheHit: true}, nil
	}

	select {
	case outcome := <-done:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return &Result{Response: outcome.snapshot.HTTPResponse(req), Route: route}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// networkFirst 优先回源；传输失败时按分区创建顺序查找任意缓存，均未命中则传播原始错误。
// 此策略从不写缓存。
func (w *Worker) networkFirst(ctx context.Context, req *http.Request) (*Result, error) {
	route := RouteNetworkFirst
	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil {
		return &Result{Response: resp, Route: route}, nil
	}

	fields := logrus.Fields{
		"action": "fallback",
		"url":    req.URL.String(),
	}
	cached, matchErr := w.storage.Match(ctx, cache.KeyForRequest(req))
	if matchErr != nil {
		if !errors.Is(matchErr, cache.ErrNotFound) {
			w.logger.WithFields(fields).WithError(matchErr).Warn("cache_read_failed")
		}
		return nil, err
	}
	w.logger.WithFields(fields).WithError(err).Info("network_failed_served_cache")
	return &Result{Response: cached.HTTPResponse(req), Route: route, CacheHit: true}, nil
}

// openPartition 打开失败时返回 nil，调用方按纯网络请求处理。
func (w *Worker) openPartition(ctx context.Context, name string) cache.Partition {
	part, err := w.storage.Open(ctx, name)
	if err != nil {
		w.logger.WithFields(logging.CacheFields("open", name, "")).WithError(err).Warn("partition_open_failed")
		return nil
	}
	return part
}

// lookup 把读取错误视为未命中。
func (w *Worker) lookup(ctx context.Context, part cache.Partition, key cache.Key) *cache.Response {
	resp, err := part.Match(ctx, key)
	if err == nil {
		return resp
	}
	if !errors.Is(err, cache.ErrNotFound) {
		w.logger.WithFields(logging.CacheFields("match", part.Name(), key.URL)).WithError(err).Warn("cache_read_failed")
	}
	return nil
}

// store 写入失败（包括 206）只记录日志，不影响已交付的响应。
func (w *Worker) store(ctx context.Context, part cache.Partition, key cache.Key, snapshot *cache.Response) {
	if err := part.Put(ctx, key, snapshot); err != nil {
		w.logger.WithFields(logging.CacheFields("put", part.Name(), key.URL)).
			WithField("status", snapshot.StatusCode).
			WithError(err).Warn("cache_write_failed")
		return
	}
	w.logger.WithFields(logging.CacheFields("put", part.Name(), key.URL)).Debug("cache_write")
}
