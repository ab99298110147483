package ratelimit

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"diarygate/modules/capability"
	rl "diarygate/modules/ratelimit"
)

// AnonymousKey is the last-resort identity. All callers without any usable
// identity share one budget under it.
const AnonymousKey rl.Key = "anonymous"

// KeyFunc extracts from a HTTP request the identity the budget is charged to.
// It never returns an empty key.
type KeyFunc func(*http.Request) rl.Key

// RemoteIpKeyFunc uses the host part of RemoteAddr, then the first
// X-Forwarded-For entry.
func RemoteIpKeyFunc(r *http.Request) rl.Key {
	if host := remoteHost(r.RemoteAddr); host != "" {
		return rl.Key("ip:" + host)
	}
	if ip := firstForwardedFor(r); ip != "" {
		return rl.Key("ip:" + ip)
	}
	return AnonymousKey
}

// ForwardedForKeyFunc trusts the first X-Forwarded-For entry. Only use it behind
// a proxy that overwrites the header.
func ForwardedForKeyFunc(r *http.Request) rl.Key {
	if ip := firstForwardedFor(r); ip != "" {
		return rl.Key("ip:" + ip)
	}
	return RemoteIpKeyFunc(r)
}

// HeaderKeyFunc keys on the value of header, e.g. an API key.
func HeaderKeyFunc(header string) KeyFunc {
	return func(r *http.Request) rl.Key {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return rl.Key("hdr:" + v)
		}
		return RemoteIpKeyFunc(r)
	}
}

// UserKeyFunc keys on the resolved subject. A capability context already
// attached to the request is used as is; otherwise the resolver is asked.
func UserKeyFunc(resolver capability.Resolver) KeyFunc {
	return func(r *http.Request) rl.Key {
		if c, ok := capability.FromContext(r.Context()); ok && c.Authenticated() {
			return rl.Key("user:" + c.Subject)
		}
		if resolver != nil {
			c, err := resolver.Resolve(r)
			switch {
			case err == nil && c.Authenticated():
				return rl.Key("user:" + c.Subject)
			case err != nil && errors.Is(err, capability.ErrUnavailable):
				slog.WarnContext(r.Context(), "capability resolver unavailable, keying on address",
					slog.String("middleware", "rate_limiter"),
					slog.Any("error", err),
				)
			}
		}
		return RemoteIpKeyFunc(r)
	}
}

// KeyFuncFor returns the key function configured by cfg.
func KeyFuncFor(cfg Config, resolver capability.Resolver) (KeyFunc, error) {
	switch cfg.KeyStrategy {
	case "", RemoteIpKeyStrategy:
		return RemoteIpKeyFunc, nil
	case ForwardedForKeyStrategy:
		return ForwardedForKeyFunc, nil
	case HeaderKeyStrategy:
		if cfg.KeyHeader == "" {
			return nil, errors.New("ratelimit: header key strategy needs a header name")
		}
		return HeaderKeyFunc(cfg.KeyHeader), nil
	case UserKeyStrategy:
		return UserKeyFunc(resolver), nil
	default:
		return nil, errors.New("ratelimit: no such key strategy " + string(cfg.KeyStrategy))
	}
}

func remoteHost(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func firstForwardedFor(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}
