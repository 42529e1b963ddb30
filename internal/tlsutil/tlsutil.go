// Package tlsutil 集中管理 multiquery 的 TLS 与出站连接设置：
// HTTPS 监听、健康检查客户端，以及每个上游模型服务各自的流式连接池。
// 统一 TLS 1.2+，仅 AEAD 密码套件。
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTLSConfig TLS 1.2 起步，只放行 AEAD 套件。
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// Upstream 单个上游的连接设置。每个 provider 独占一个 Transport，
// 一个上游的连接池打满不会挤占其他上游。
type Upstream struct {
	// HeaderTimeout 等待响应头的上限。流体本身不设总超时，
	// 空闲检测由调度器负责。
	HeaderTimeout time.Duration
	// DialTimeout TCP 建连超时
	DialTimeout time.Duration
	// KeepAlive TCP keep-alive 探测间隔
	KeepAlive time.Duration
	// IdleConnTimeout 空闲连接保留多久
	IdleConnTimeout time.Duration
	// MaxConnsPerHost 同时打开的连接上限，即该上游的并发流上限；0 不限
	MaxConnsPerHost int
	// MaxIdleConnsPerHost 保留的空闲连接数
	MaxIdleConnsPerHost int
}

// DefaultUpstream 模型服务的默认连接设置。
// 生成式流可能持续数分钟，空闲连接保留得比普通 API 调用更久。
func DefaultUpstream() Upstream {
	return Upstream{
		HeaderTimeout:       30 * time.Second,
		DialTimeout:         10 * time.Second,
		KeepAlive:           30 * time.Second,
		IdleConnTimeout:     120 * time.Second,
		MaxIdleConnsPerHost: 16,
	}
}

// withDefaults 零值字段取 DefaultUpstream 的值
func (u Upstream) withDefaults() Upstream {
	d := DefaultUpstream()
	if u.HeaderTimeout <= 0 {
		u.HeaderTimeout = d.HeaderTimeout
	}
	if u.DialTimeout <= 0 {
		u.DialTimeout = d.DialTimeout
	}
	if u.KeepAlive <= 0 {
		u.KeepAlive = d.KeepAlive
	}
	if u.IdleConnTimeout <= 0 {
		u.IdleConnTimeout = d.IdleConnTimeout
	}
	if u.MaxConnsPerHost < 0 {
		u.MaxConnsPerHost = 0
	}
	if u.MaxIdleConnsPerHost <= 0 {
		u.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if u.MaxConnsPerHost > 0 && u.MaxIdleConnsPerHost > u.MaxConnsPerHost {
		u.MaxIdleConnsPerHost = u.MaxConnsPerHost
	}
	return u
}

// Transport 按设置构造加固的 Transport
func (u Upstream) Transport() *http.Transport {
	u = u.withDefaults()
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   u.DialTimeout,
			KeepAlive: u.KeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          u.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   u.MaxIdleConnsPerHost,
		MaxConnsPerHost:       u.MaxConnsPerHost,
		IdleConnTimeout:       u.IdleConnTimeout,
		ResponseHeaderTimeout: u.HeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// StreamingHTTPClient 上游流式调用的客户端，没有整体超时
func StreamingHTTPClient(u Upstream) *http.Client {
	return &http.Client{Transport: u.Transport()}
}

// SecureHTTPClient 短请求客户端（健康检查等），带整体超时
func SecureHTTPClient(timeout time.Duration) *http.Client {
	tr := Upstream{DialTimeout: timeout, MaxIdleConnsPerHost: 2}.Transport()
	tr.ResponseHeaderTimeout = 0
	return &http.Client{Timeout: timeout, Transport: tr}
}
