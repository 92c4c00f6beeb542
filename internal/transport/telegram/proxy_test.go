package telegram

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"tgnotify/internal/settings"
)

func proxied(kind settings.ProxyType, user, pass string) settings.Settings {
	return settings.Settings{
		Token:     "1:abc",
		UseProxy:  true,
		ProxyType: kind,
		ProxyHost: "proxy.local",
		ProxyPort: 1080,
		ProxyUser: user,
		ProxyPass: pass,
	}
}

func TestPlanProxySOCKSWithoutCredentials(t *testing.T) {
	t.Parallel()
	p, err := planProxy(proxied(settings.ProxySOCKS, "", ""))
	if err != nil {
		t.Fatalf("planProxy error: %v", err)
	}
	if p.kind != settings.ProxySOCKS || p.addr != "proxy.local:1080" {
		t.Fatalf("unexpected plan %+v", p)
	}
	if p.auth != nil {
		t.Fatalf("expected no socks credentials, got %+v", p.auth)
	}
}

func TestPlanProxySOCKSCredentialsScopedToAddr(t *testing.T) {
	t.Parallel()
	p, err := planProxy(proxied(settings.ProxySOCKS, "alice", "s3cret"))
	if err != nil {
		t.Fatalf("planProxy error: %v", err)
	}
	if p.auth == nil || p.auth.User != "alice" || p.auth.Password != "s3cret" {
		t.Fatalf("unexpected socks auth %+v", p.auth)
	}
	if p.addr != "proxy.local:1080" {
		t.Fatalf("auth bound to %q, want proxy.local:1080", p.addr)
	}
	if p.header != "" {
		t.Fatalf("socks plan must not carry an http header")
	}
}

func TestPlanProxyPartialCredentialsIgnored(t *testing.T) {
	t.Parallel()
	for _, kind := range []settings.ProxyType{settings.ProxyHTTP, settings.ProxySOCKS} {
		p, err := planProxy(proxied(kind, "alice", ""))
		if err != nil {
			t.Fatalf("%s: planProxy error: %v", kind, err)
		}
		if p.auth != nil || p.header != "" {
			t.Fatalf("%s: credentials installed with empty password: %+v", kind, p)
		}
	}
}

func TestPlanProxyDirect(t *testing.T) {
	t.Parallel()
	s := proxied(settings.ProxySOCKS, "alice", "s3cret")
	s.UseProxy = false
	p, err := planProxy(s)
	if err != nil {
		t.Fatalf("planProxy error: %v", err)
	}
	if p.kind != settings.ProxyDirect || p.auth != nil || p.addr != "" {
		t.Fatalf("expected direct plan, got %+v", p)
	}
}

func TestPlanProxyValidation(t *testing.T) {
	t.Parallel()
	s := proxied(settings.ProxyHTTP, "", "")
	s.ProxyHost = ""
	if _, err := planProxy(s); err == nil {
		t.Fatal("expected error for missing host")
	}
	s = proxied(settings.ProxyHTTP, "", "")
	s.ProxyPort = 0
	if _, err := planProxy(s); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestNewHTTPClientHTTPProxy(t *testing.T) {
	t.Parallel()
	hc, err := newHTTPClient(proxied(settings.ProxyHTTP, "alice", "s3cret"), time.Minute)
	if err != nil {
		t.Fatalf("newHTTPClient error: %v", err)
	}
	pat, ok := hc.Transport.(*proxyAuthTransport)
	if !ok {
		t.Fatalf("transport = %T, want *proxyAuthTransport", hc.Transport)
	}
	tr, ok := pat.next.(*http.Transport)
	if !ok {
		t.Fatalf("inner transport = %T", pat.next)
	}
	want := "Basic YWxpY2U6czNjcmV0"
	if got := tr.ProxyConnectHeader.Get("Proxy-Authorization"); got != want {
		t.Fatalf("CONNECT header = %q, want %q", got, want)
	}
	req := &http.Request{URL: &url.URL{Scheme: "https", Host: "api.telegram.org"}}
	u, err := tr.Proxy(req)
	if err != nil || u == nil || u.Host != "proxy.local:1080" {
		t.Fatalf("proxy url = %v (err %v)", u, err)
	}
}

func TestNewHTTPClientHTTPProxyNoCredentials(t *testing.T) {
	t.Parallel()
	hc, err := newHTTPClient(proxied(settings.ProxyHTTP, "", ""), time.Minute)
	if err != nil {
		t.Fatalf("newHTTPClient error: %v", err)
	}
	tr, ok := hc.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport = %T, want *http.Transport", hc.Transport)
	}
	if tr.ProxyConnectHeader != nil {
		t.Fatalf("unexpected CONNECT header %v", tr.ProxyConnectHeader)
	}
}

func TestNewHTTPClientDirectHasNoProxy(t *testing.T) {
	t.Parallel()
	hc, err := newHTTPClient(settings.Settings{Token: "1:abc"}, time.Minute)
	if err != nil {
		t.Fatalf("newHTTPClient error: %v", err)
	}
	tr := hc.Transport.(*http.Transport)
	if tr.Proxy != nil {
		t.Fatal("direct client must not use a proxy")
	}
}

func TestNewHTTPClientSOCKSUsesCustomDialer(t *testing.T) {
	t.Parallel()
	hc, err := newHTTPClient(proxied(settings.ProxySOCKS, "alice", "s3cret"), time.Minute)
	if err != nil {
		t.Fatalf("newHTTPClient error: %v", err)
	}
	tr := hc.Transport.(*http.Transport)
	if tr.DialContext == nil || tr.Proxy != nil {
		t.Fatalf("socks transport misconfigured: proxy=%v", tr.Proxy != nil)
	}
}

type captureTransport struct{ headers []string }

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.headers = append(c.headers, req.Header.Get("Proxy-Authorization"))
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func (c *captureTransport) CloseIdleConnections() {}

func TestProxyAuthTransportOnlyForPlainHTTP(t *testing.T) {
	t.Parallel()
	capt := &captureTransport{}
	rt := &proxyAuthTransport{next: capt, header: "Basic x"}
	for _, scheme := range []string{"http", "https"} {
		req, err := http.NewRequest(http.MethodGet, scheme+"://example.invalid/", nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		if _, err := rt.RoundTrip(req); err != nil {
			t.Fatalf("RoundTrip(%s): %v", scheme, err)
		}
		if req.Header.Get("Proxy-Authorization") != "" {
			t.Fatalf("caller request mutated for %s", scheme)
		}
	}
	if len(capt.headers) != 2 || capt.headers[0] != "Basic x" || capt.headers[1] != "" {
		t.Fatalf("headers = %q", capt.headers)
	}
}
