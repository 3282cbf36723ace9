package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/atlas-ai/atlas-cache/internal/logging"
	"github.com/atlas-ai/atlas-cache/internal/server"
	"github.com/atlas-ai/atlas-cache/internal/worker"
)

// Interceptor 是 Handler 依赖的 worker 能力，*worker.Worker 即满足该接口。
type Interceptor interface {
	Fetch(ctx context.Context, req *http.Request) (*worker.Result, error)
}

// Handler 把 Fiber 请求转换为 *http.Request 交给 worker，再把结果写回客户端。
// 缓存策略全部由 worker 决定，Handler 只负责协议转换与日志。
type Handler struct {
	worker Interceptor
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler around the worker and logger.
func NewHandler(interceptor Interceptor, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		worker: interceptor,
		logger: logger,
	}
}

// Handle 执行一次拦截，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	upstream := target.URLFor(string(c.Request().URI().PathOriginal()), string(c.Request().URI().QueryString()))
	req, err := h.buildUpstreamRequest(ctx, c, upstream, target)
	if err != nil {
		h.logResult(target, upstream.String(), requestID, "", 0, false, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := h.worker.Fetch(ctx, req)
	if err != nil {
		h.logResult(target, upstream.String(), requestID, "", 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	resp := result.Response
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	c.Set("X-Atlas-Upstream", upstream.String())
	c.Set("X-Atlas-Route", string(result.Route))
	c.Set("X-Atlas-Cache-Hit", strconv.FormatBool(result.CacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(target, upstream.String(), requestID, result.Route, resp.StatusCode, result.CacheHit, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(target, upstream.String(), requestID, result.Route, resp.StatusCode, result.CacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(
	ctx context.Context,
	c fiber.Ctx,
	upstream *url.URL,
	target *server.Target,
) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	// 交给 Transport 透明解压，缓存里只存解压后的内容
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)

	// 转发头只发给自家源站，不向第三方 CDN 泄露客户端地址
	if target.Kind == server.TargetApp {
		req.Header.Set("X-Forwarded-Host", c.Hostname())
		if ip := c.IP(); ip != "" {
			if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
				req.Header.Set("X-Forwarded-For", prior+", "+ip)
			} else {
				req.Header.Set("X-Forwarded-For", ip)
			}
		}
		req.Header.Set("X-Forwarded-Proto", c.Protocol())
		req.Header.Set("X-Forwarded-Port", targetPort(target))
	}
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	target *server.Target,
	upstream string,
	requestID string,
	route worker.Route,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(string(route), target.Host, string(target.Kind), cacheHit)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			// Set-Cookie 等多值头必须逐条保留
			c.Response().Header.Add(key, value)
		}
	}
}

func targetPort(target *server.Target) string {
	if target == nil || target.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(target.ListenPort)
}
