// Package normalize implements the URL Normalizer (C1): a set of pure
// functions with no state, used both to canonicalize URLs before storage and
// to derive the wildcarded pattern used for fuzzy duplicate detection.
package normalize

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/docuflow/internal/errs"
)

var (
	errHasCredentials = errors.New("normalize: embedded userinfo is not allowed")
	errEmptyHost      = errors.New("normalize: URL has no host")
)

func errBadScheme(scheme string) error {
	return fmt.Errorf("normalize: scheme %q is not http or https", scheme)
}

func errRejectedHost(host string) error {
	return fmt.Errorf("normalize: host %q is not a routable public address", host)
}

var metadataIP = net.ParseIP("169.254.169.254")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Normalize lowercases scheme and host, drops default ports and fragments,
// sorts query parameters, strips a trailing slash on non-root paths, and
// rejects non-http(s) schemes, embedded userinfo, and hosts that resolve to
// loopback, link-local, private ranges, or the cloud metadata IP
// (spec §4.1).
func Normalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.NewInvalid("normalize.Normalize", errs.ReasonMalformed, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errs.NewInvalid("normalize.Normalize", errs.ReasonScheme, errBadScheme(u.Scheme))
	}
	u.Scheme = scheme

	if u.User != nil {
		return "", errs.NewInvalid("normalize.Normalize", errs.ReasonCredentials, errHasCredentials)
	}

	if u.Host == "" {
		return "", errs.NewInvalid("normalize.Normalize", errs.ReasonMalformed, errEmptyHost)
	}

	host := strings.ToLower(u.Hostname())
	if reason, rejected := classifyHost(host); rejected {
		return "", errs.NewInvalid("normalize.Normalize", reason, errRejectedHost(host))
	}

	port := u.Port()
	if port != "" && defaultPorts[scheme] == port {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	if u.RawQuery != "" {
		u.RawQuery = sortedQuery(u.RawQuery)
	}

	return u.String(), nil
}

// Pattern behaves like Normalize but replaces query-parameter values and
// numeric path segments with a wildcard token, producing a stable key used
// by the job store's fuzzy "similar job already exists" detection
// (spec §4.1).
func Pattern(raw string) (string, error) {
	canonical, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return "", errs.NewInvalid("normalize.Pattern", errs.ReasonMalformed, err)
	}

	// Assembled by hand rather than via u.String(), which would
	// percent-encode the wildcard token as %2A.
	segments := strings.Split(u.EscapedPath(), "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if _, err := strconv.Atoi(seg); err == nil {
			segments[i] = "*"
		}
	}
	pattern := u.Scheme + "://" + u.Host + strings.Join(segments, "/")

	if u.RawQuery != "" {
		keys := make([]string, 0)
		for key := range u.Query() {
			keys = append(keys, url.QueryEscape(key))
		}
		sort.Strings(keys)
		pattern += "?" + strings.Join(keys, "=*&") + "=*"
	}

	return pattern, nil
}

// sortedQuery re-encodes a raw query string with parameters sorted by key,
// matching how duplicate jobs submitted with reordered query parameters
// still canonicalize to the same string.
func sortedQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// classifyHost reports whether host must be rejected per spec §4.1: loopback,
// link-local, private ranges, or the cloud metadata IP, checked by literal
// match on the host and, when the host is an IP literal, by range.
func classifyHost(host string) (errs.Reason, bool) {
	if host == "localhost" {
		return errs.ReasonLoopback, true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Not an IP literal: DNS-based SSRF protection against resolved
		// addresses is a deployment-time concern (egress proxy), not this
		// pure function's job.
		return "", false
	}

	if ip.Equal(metadataIP) {
		return errs.ReasonMetadata, true
	}
	if ip.IsLoopback() {
		return errs.ReasonLoopback, true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return errs.ReasonPrivate, true
	}
	if ip.IsPrivate() {
		return errs.ReasonPrivate, true
	}
	return "", false
}
