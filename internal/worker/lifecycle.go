package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-ai/atlas-cache/internal/cache"
	"github.com/atlas-ai/atlas-cache/internal/logging"
)

// AssetURL 把静态资源路径解析为源站下的绝对地址。
func (w *Worker) AssetURL(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse static asset %q: %w", path, err)
	}
	return w.origin.ResolveReference(ref), nil
}

// Install 预取全部静态资源并一次性写入 static 分区。
// 任一资源获取失败（传输错误或非 2xx）都会中止安装，分区保持原样，worker 进入 redundant。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	started := time.Now()

	entries, err := w.fetchStaticAssets(ctx)
	if err == nil {
		var part cache.Partition
		part, err = w.storage.Open(ctx, w.cacheName)
		if err == nil {
			err = part.PutAll(ctx, entries)
		}
	}
	if err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(logrus.Fields{
			"action":     "install",
			"partition":  w.cacheName,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).WithError(err).Error("install_failed")
		return err
	}

	w.mu.Lock()
	w.state = StateInstalled
	w.skipWaiting = true
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"action":     "install",
		"partition":  w.cacheName,
		"assets":     len(entries),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("install_complete")
	return nil
}

func (w *Worker) fetchStaticAssets(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(w.staticAssets))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, path := range w.staticAssets {
		group.Go(func() error {
			target, err := w.AssetURL(path)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrAssetFetch, err)
			}
			req, err := http.NewRequestWithContext(groupCtx, http.MethodGet, target.String(), nil)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrAssetFetch, path, err)
			}
			resp, err := w.fetcher.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrAssetFetch, path, err)
			}
			snapshot, err := cache.FromHTTPResponse(resp)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrAssetFetch, path, err)
			}
			if snapshot.StatusCode < 200 || snapshot.StatusCode > 299 {
				return fmt.Errorf("%w: %s: status %d", ErrAssetFetch, path, snapshot.StatusCode)
			}
			entries[i] = cache.Entry{Key: cache.KeyForRequest(req), Response: snapshot}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Activate 删除除当前 static 与 runtime 之外的所有分区，然后接管客户端。
// 单个分区删除失败只记录日志，激活仍会完成；所有删除错误合并后返回。
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	names, err := w.storage.Names(ctx)
	if err != nil {
		// 无法枚举时保持 installed，调用方可以重试
		w.setState(StateInstalled)
		return fmt.Errorf("list partitions: %w", err)
	}

	var errs []error
	deleted := 0
	for _, name := range names {
		if name == w.cacheName || name == w.runtimeCacheName {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.WithFields(logging.CacheFields("activate", name, "")).WithError(err).Warn("partition_delete_failed")
			errs = append(errs, fmt.Errorf("delete partition %s: %w", name, err))
			continue
		}
		deleted++
	}

	w.mu.Lock()
	w.state = StateActivated
	w.claimed = true
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"action":    "activate",
		"partition": w.cacheName,
		"deleted":   deleted,
		"failed":    len(errs),
	}).Info("activate_complete")
	return errors.Join(errs...)
}
