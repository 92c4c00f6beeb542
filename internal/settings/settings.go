// Package settings holds the bot credentials and proxy options a session is
// built from.
//
// A Settings value is compared with ==; the session manager relies on that to
// detect configuration changes, so every field must stay comparable.
package settings

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ProxyType selects how the transport reaches the Bot API.
type ProxyType string

const (
	ProxyDirect ProxyType = "DIRECT"
	ProxyHTTP   ProxyType = "HTTP"
	ProxySOCKS  ProxyType = "SOCKS"
)

// ParseProxyType accepts the names used in config files (case-insensitive).
// An empty value maps to ProxyDirect.
func ParseProxyType(raw string) (ProxyType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "DIRECT", "NONE":
		return ProxyDirect, nil
	case "HTTP", "HTTPS":
		return ProxyHTTP, nil
	case "SOCKS", "SOCKS5":
		return ProxySOCKS, nil
	default:
		return "", fmt.Errorf("unknown proxy type %q", raw)
	}
}

const redactKeep = 6

type Settings struct {
	Token     string
	Paused    bool
	UseProxy  bool
	ProxyType ProxyType
	ProxyHost string
	ProxyPort int // 0 when unset
	ProxyUser string
	ProxyPass string
}

// HasToken reports whether a bot token is present.
func (s Settings) HasToken() bool { return strings.TrimSpace(s.Token) != "" }

// Configured reports whether a session should exist for these settings.
func (s Settings) Configured() bool { return s.HasToken() && !s.Paused }

// EffectiveProxy returns the proxy mode the transport must use.
func (s Settings) EffectiveProxy() ProxyType {
	if !s.UseProxy {
		return ProxyDirect
	}
	switch s.ProxyType {
	case ProxyHTTP, ProxySOCKS:
		return s.ProxyType
	default:
		return ProxyDirect
	}
}

// HasProxyCredentials is true only when both username and password are set.
func (s Settings) HasProxyCredentials() bool {
	return s.ProxyUser != "" && s.ProxyPass != ""
}

// ProxyAddr returns host:port of the proxy.
func (s Settings) ProxyAddr() string {
	return net.JoinHostPort(s.ProxyHost, strconv.Itoa(s.ProxyPort))
}

// RedactedToken returns a short prefix of the token that is safe to log.
func (s Settings) RedactedToken() string {
	return Redact(s.Token)
}

// Redact keeps the first few characters of a secret and marks the cut.
func Redact(secret string) string {
	rs := []rune(secret)
	if len(rs) <= redactKeep {
		return secret
	}
	return string(rs[:redactKeep]) + "..."
}

// String never includes the token or the proxy password.
func (s Settings) String() string {
	var b strings.Builder
	b.WriteString("token=")
	b.WriteString(s.RedactedToken())
	b.WriteString(" paused=")
	b.WriteString(strconv.FormatBool(s.Paused))
	b.WriteString(" proxy=")
	b.WriteString(string(s.EffectiveProxy()))
	if s.EffectiveProxy() != ProxyDirect {
		b.WriteString("@")
		b.WriteString(s.ProxyAddr())
		if s.HasProxyCredentials() {
			b.WriteString(" proxy_user=")
			b.WriteString(s.ProxyUser)
		}
	}
	return b.String()
}
