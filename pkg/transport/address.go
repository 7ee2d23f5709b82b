package transport

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatline/pkg/session"
)

// DefaultPort is the relay port used when the address is derived from the origin.
const DefaultPort = 8000

// DefaultOrigin stands in for the page origin when the client runs outside a browser.
const DefaultOrigin = "http://localhost"

// AddressConfig controls where the client connects.
//
// BaseURL, when set, wins. Otherwise the relay is assumed to live on the same
// host as Origin, on DefaultPort, with a secure scheme when Origin is https.
type AddressConfig struct {
	BaseURL     string
	Origin      string
	DefaultPort int
}

// ChatPath returns the relay path for a session.
func ChatPath(id session.ID) string {
	return "/ws/chat/" + id.String()
}

// ResolveURL returns the WebSocket URL for the given session.
func ResolveURL(cfg AddressConfig, id session.ID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		return resolveBase(cfg.BaseURL, id)
	}
	return resolveOrigin(cfg, id)
}

func resolveBase(base string, id session.ID) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", errors.Wrapf(err, "parse base url %q", base)
	}
	if u.Host == "" {
		return "", errors.Errorf("base url %q has no host", base)
	}
	scheme, err := wsScheme(u.Scheme)
	if err != nil {
		return "", err
	}
	u.Scheme = scheme
	u.Path = strings.TrimRight(u.Path, "/") + ChatPath(id)
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func resolveOrigin(cfg AddressConfig, id session.ID) (string, error) {
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		origin = DefaultOrigin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", errors.Wrapf(err, "parse origin %q", origin)
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.Errorf("origin %q has no host", origin)
	}
	scheme, err := wsScheme(u.Scheme)
	if err != nil {
		return "", err
	}
	port := cfg.DefaultPort
	if port <= 0 {
		port = DefaultPort
	}
	out := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   ChatPath(id),
	}
	return out.String(), nil
}

// wsScheme maps a page scheme to the matching WebSocket scheme. A secure page
// must use wss, browsers refuse mixed-scheme sockets.
func wsScheme(scheme string) (string, error) {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return "wss", nil
	case "http", "ws", "":
		return "ws", nil
	default:
		return "", errors.Errorf("unsupported scheme %q", scheme)
	}
}
