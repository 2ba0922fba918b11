package telegram

// proxy.go — выход в Telegram через SOCKS5. URL прокси приходит из
// TELEGRAM_PROXY уже провалидированным конфигурацией.

import (
	"context"
	"net"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"
)

// proxyResolver строит DC-резолвер gotd, ходящий через SOCKS5-прокси.
func proxyResolver(rawURL string) (dcs.Resolver, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse proxy url")
	}

	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "proxy dialer")
	}

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		// SOCKS5-диалер x/net умеет контекст, но интерфейс этого не обещает.
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}

	return dcs.Plain(dcs.PlainOptions{Dial: dial}), nil
}
