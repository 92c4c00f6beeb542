package telegram

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"tgnotify/internal/settings"
)

// proxyPlan is the resolved proxy setup for one client.
type proxyPlan struct {
	kind settings.ProxyType
	addr string
	// SOCKS credentials, bound to this client's dialer only.
	auth *proxy.Auth
	// HTTP Proxy-Authorization value ("" when no credentials).
	header string
}

func planProxy(s settings.Settings) (proxyPlan, error) {
	kind := s.EffectiveProxy()
	if kind == settings.ProxyDirect {
		return proxyPlan{kind: kind}, nil
	}
	if strings.TrimSpace(s.ProxyHost) == "" {
		return proxyPlan{}, errors.New("proxy host is required")
	}
	if s.ProxyPort <= 0 || s.ProxyPort > 65535 {
		return proxyPlan{}, fmt.Errorf("proxy port %d out of range", s.ProxyPort)
	}
	p := proxyPlan{kind: kind, addr: s.ProxyAddr()}
	if !s.HasProxyCredentials() {
		return p, nil
	}
	switch kind {
	case settings.ProxyHTTP:
		p.header = "Basic " + base64.StdEncoding.EncodeToString([]byte(s.ProxyUser+":"+s.ProxyPass))
	case settings.ProxySOCKS:
		p.auth = &proxy.Auth{User: s.ProxyUser, Password: s.ProxyPass}
	}
	return p, nil
}

// newHTTPClient builds the HTTP client the bot talks through.
func newHTTPClient(s settings.Settings, timeout time.Duration) (*http.Client, error) {
	plan, err := planProxy(s)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	var rt http.RoundTripper = tr

	switch plan.kind {
	case settings.ProxyHTTP:
		tr.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: plan.addr})
		if plan.header != "" {
			tr.ProxyConnectHeader = http.Header{"Proxy-Authorization": {plan.header}}
			rt = &proxyAuthTransport{next: tr, header: plan.header}
		}
	case settings.ProxySOCKS:
		d, err := proxy.SOCKS5("tcp", plan.addr, plan.auth, &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		tr.DialContext = cd.DialContext
	}
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}

// proxyAuthTransport adds Proxy-Authorization to plain-HTTP requests, which are
// forwarded by the proxy rather than tunneled. HTTPS requests authenticate on
// CONNECT instead, so the header never reaches the origin.
type proxyAuthTransport struct {
	next   roundTripCloser
	header string
}

type roundTripCloser interface {
	http.RoundTripper
	CloseIdleConnections()
}

func (t *proxyAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL != nil && req.URL.Scheme == "http" {
		req = req.Clone(req.Context())
		req.Header.Set("Proxy-Authorization", t.header)
	}
	return t.next.RoundTrip(req)
}

func (t *proxyAuthTransport) CloseIdleConnections() { t.next.CloseIdleConnections() }
