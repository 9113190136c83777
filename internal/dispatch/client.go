package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/steamvet/steamvet/internal/registry"
)

// userAgent mimics a current desktop browser. The upstream serves
// different (and sometimes throttled) responses to obvious bots.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// ClientFactory builds an HTTP client bound to a connection with the
// given timeout. Tests substitute their own factory to avoid real SOCKS
// negotiation.
type ClientFactory func(conn registry.Connection, timeout time.Duration) (*http.Client, error)

// NewClient is the default ClientFactory: plain egress for the direct
// connection, a SOCKS5-dialing transport for proxies.
func NewClient(conn registry.Connection, timeout time.Duration) (*http.Client, error) {
	if conn.Kind == registry.KindDirect {
		return &http.Client{Timeout: timeout}, nil
	}

	u, err := url.Parse(conn.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy URL: %w", err)
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}

	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("building socks5 dialer: %w", err)
	}

	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dialCtx,
			DisableKeepAlives: true,
		},
	}, nil
}
