package policy

import (
	"errors"
	"net/url"
)

// Target URL shape errors. Messages are safe to log: none include the URL.
var (
	errTargetUnparseable = errors.New("url is not parseable")
	errTargetNotAbsolute = errors.New("url is not absolute")
	errTargetNoHost      = errors.New("url has no host")
	errTargetScheme      = errors.New("url scheme is not https")
	errTargetUserinfo    = errors.New("url carries credentials")
)

// ParseTarget parses rawURL and checks its shape: absolute, https, with a
// host and without userinfo. Upstream hosts are HTTPS-only.
func ParseTarget(rawURL string) (*url.URL, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, errTargetUnparseable
	}
	if !target.IsAbs() {
		return nil, errTargetNotAbsolute
	}
	if target.Scheme != "https" {
		return nil, errTargetScheme
	}
	if target.Host == "" || target.Hostname() == "" {
		return nil, errTargetNoHost
	}
	if target.User != nil {
		return nil, errTargetUserinfo
	}
	return target, nil
}
