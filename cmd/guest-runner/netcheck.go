//go:build linux

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Fixed probe targets mirroring the deterministic egress self-check
// sequence: a resolvable allowlisted domain, a sinkholed domain, the
// proxy itself, the metadata endpoint, and a host port that must not be
// exposed to the guest at all.
const (
	allowedHost      = "googleapis.com"
	allowedProbeHost = "compute.googleapis.com"
	blockedHost      = "example.com"
	proxyHostPort    = "172.16.0.1:8888"
	hostPortOnly     = "172.16.0.1:80"
	metadataURL      = "http://169.254.169.254/latest/meta-data"
	allowedProbeURL  = "https://www.googleapis.com/discovery/v1/apis"
)

// runNetChecks executes the ordered egress self-check sequence. Every
// check must pass; the first failure aborts with its reason, matching
// the "no mixed pass/fail" behavior of the Python probe script.
func runNetChecks(cfg netConfig, timeout time.Duration) error {
	proxyURL := fmt.Sprintf("http://%s", proxyHostPort)

	if err := checkDNSAllowed(allowedHost, timeout); err != nil {
		return err
	}
	if err := checkDNSAllowed(allowedProbeHost, timeout); err != nil {
		return err
	}
	if err := checkDNSSinkholed(blockedHost, timeout); err != nil {
		return err
	}

	if code, err := httpStatus(fmt.Sprintf("http://%s/", proxyHostPort), timeout, ""); err != nil {
		return fmt.Errorf("proxy not reachable at %s: %w", proxyHostPort, err)
	} else {
		logGuest(fmt.Sprintf("proxy liveness: HTTP %d", code))
	}

	if err := checkUnreachableDirect(fmt.Sprintf("http://%s/", hostPortOnly), timeout); err != nil {
		return fmt.Errorf("host port unexpectedly reachable: %w", err)
	}

	if err := checkUnreachableDirect(allowedProbeURL, timeout); err != nil {
		return fmt.Errorf("direct egress unexpectedly succeeded without proxy: %w", err)
	}

	if code, err := httpStatus(allowedProbeURL, timeout, proxyURL); err != nil || code != 200 {
		return fmt.Errorf("allowed traffic via proxy failed: code=%d err=%v", code, err)
	}

	if code, err := httpStatus(fmt.Sprintf("https://%s/", allowedProbeHost), timeout, proxyURL); err != nil {
		return fmt.Errorf("%s not reachable via proxy: %w", allowedProbeHost, err)
	} else {
		logGuest(fmt.Sprintf("proxy allowlist %s: HTTP %d", allowedProbeHost, code))
	}

	if code, err := httpStatus(fmt.Sprintf("http://%s", blockedHost), timeout, proxyURL); err == nil && code == 200 {
		return fmt.Errorf("blocked domain unexpectedly reachable via proxy (HTTP %d)", code)
	}
	if code, err := httpStatus(fmt.Sprintf("https://%s", blockedHost), timeout, proxyURL); err == nil && code == 200 {
		return fmt.Errorf("blocked https domain unexpectedly reachable via proxy (HTTP %d)", code)
	}

	if err := checkUnreachableDirect(metadataURL, 2*time.Second); err != nil {
		return fmt.Errorf("metadata endpoint unexpectedly reachable without proxy: %w", err)
	}
	if code, err := httpStatus(metadataURL, timeout, proxyURL); err == nil && code == 200 {
		return fmt.Errorf("metadata endpoint unexpectedly reachable via proxy (HTTP %d)", code)
	}

	return nil
}

func checkDNSAllowed(host string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 || ips[0].IP.IsUnspecified() {
		return fmt.Errorf("dns allowlist failed for %s: %v", host, err)
	}
	logGuest(fmt.Sprintf("dns: %s -> %s", host, ips[0].IP))
	return nil
}

func checkDNSSinkholed(host string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err == nil {
		for _, ip := range ips {
			if !ip.IP.IsUnspecified() {
				return fmt.Errorf("dns sinkhole failed for %s: resolved to %s", host, ip.IP)
			}
		}
	}
	logGuest(fmt.Sprintf("dns: %s -> sinkholed", host))
	return nil
}

// httpStatus fetches target (optionally through proxyURL) and returns the
// response status code. A connection failure is a legitimate, expected
// outcome for the "must be blocked" checks, so callers distinguish it
// from a successful-but-wrong-code response themselves.
func httpStatus(target string, timeout time.Duration, proxyURL string) (int, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return 0, err
		}
		transport.Proxy = http.ProxyURL(parsed)
	} else {
		transport.Proxy = nil
	}
	client := &http.Client{Transport: transport, Timeout: timeout}

	resp, err := client.Get(target)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// checkUnreachableDirect asserts target cannot be fetched at all without
// a proxy; a connection-level failure is success, any HTTP response is a
// policy violation.
func checkUnreachableDirect(target string, timeout time.Duration) error {
	code, err := httpStatus(target, timeout, "")
	if err != nil {
		return nil
	}
	return fmt.Errorf("got HTTP %d, expected no response", code)
}
