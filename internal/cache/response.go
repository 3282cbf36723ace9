package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Key 唯一标识一个缓存条目：方法 + 绝对 URL（忽略 fragment）。
type Key struct {
	Method string
	URL    string
}

// NewKey 规范化方法名并去掉 URL 中的 fragment。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if idx := strings.Index(rawURL, "#"); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	return Key{Method: method, URL: rawURL}
}

// KeyForRequest 从请求推导缓存 key。
func KeyForRequest(r *http.Request) Key {
	if r == nil || r.URL == nil {
		return Key{}
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return NewKey(r.Method, u.String())
}

// ParseKey 解析 Key.String 的输出。
func ParseKey(raw string) (Key, error) {
	method, rawURL, ok := strings.Cut(strings.TrimSpace(raw), " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("malformed cache key: %q", raw)
	}
	if _, err := url.Parse(rawURL); err != nil {
		return Key{}, fmt.Errorf("malformed cache key url: %w", err)
	}
	return NewKey(method, rawURL), nil
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Response 是落盘的响应快照。读出与写入都使用独立副本，调用方可以随意修改。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Clone 深拷贝响应。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       bytes.Clone(r.Body),
		StoredAt:   r.StoredAt,
	}
}

// HTTPResponse 生成一个可单独消费的 *http.Response。
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(r.Body))),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// FromHTTPResponse 读完并关闭 resp.Body，返回其快照。
func FromHTTPResponse(resp *http.Response) (*Response, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	var body []byte
	if resp.Body != nil {
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}, nil
}

const storedAtHeader = "X-Atlas-Stored-At"

// encodeEntry 输出 "<key>\n" + HTTP/1.1 响应报文，便于人工排查。
func encodeEntry(key Key, resp *Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteString(key.String())
	buf.WriteByte('\n')

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	header.Set(storedAtHeader, strconv.FormatInt(storedAt.UnixNano(), 10))

	hr := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(resp.Body)),
		Body:          http.NoBody,
	}
	if len(resp.Body) > 0 {
		hr.Body = io.NopCloser(bytes.NewReader(resp.Body))
	}
	if err := hr.Write(buf); err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (Key, *Response, error) {
	line, rest, ok := bytes.Cut(b, []byte("\n"))
	if !ok {
		return Key{}, nil, errors.New("malformed cache entry")
	}
	key, err := ParseKey(string(line))
	if err != nil {
		return Key{}, nil, err
	}
	hr, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rest)), nil)
	if err != nil {
		return Key{}, nil, fmt.Errorf("decode cache entry: %w", err)
	}
	defer hr.Body.Close()
	body, err := io.ReadAll(hr.Body)
	if err != nil {
		return Key{}, nil, fmt.Errorf("decode cache entry body: %w", err)
	}

	resp := &Response{
		StatusCode: hr.StatusCode,
		Header:     hr.Header,
		Body:       body,
	}
	if raw := hr.Header.Get(storedAtHeader); raw != "" {
		if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
			resp.StoredAt = time.Unix(0, nanos).UTC()
		}
	}
	resp.Header.Del(storedAtHeader)
	return key, resp, nil
}
