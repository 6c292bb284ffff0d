package config

import (
	"net"
	"net/url"
	"os"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the migrator is running inside a Docker container.
// Detection is based on the presence of /.dockerenv. The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker returns "host.docker.internal" for loopback hosts when
// running in Docker so stores on the host machine stay reachable.
// Otherwise, returns the original host unchanged.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	return rewriteLoopback(host)
}

func rewriteLoopback(host string) string {
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}

// ResolveURLForDocker applies ResolveHostForDocker to the host part of a URL,
// keeping scheme, port and path.
func ResolveURLForDocker(raw string) string {
	if raw == "" || !IsRunningInDocker() {
		return raw
	}
	return rewriteURLHost(raw)
}

func rewriteURLHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := u.Hostname()
	resolved := rewriteLoopback(host)
	if resolved == host {
		return raw
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(resolved, port)
	} else {
		u.Host = resolved
	}
	return u.String()
}

// resolveDockerHosts rewrites loopback addresses of both stores.
func (c *Config) resolveDockerHosts() {
	for _, s := range []*StoreConfig{&c.Source, &c.Target} {
		s.Host = ResolveHostForDocker(s.Host)
		s.URL = ResolveURLForDocker(s.URL)
	}
}
