/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Fireworks Collaboration Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ippool

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"
)

// DefaultDNSSource resolves host via the process resolver — the
// fallback candidate source every pool should register even when
// history/static sources are also configured.
func DefaultDNSSource(ctx context.Context, host string, port int) ([]string, error) {
	var resolver net.Resolver
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// DefaultProber connects to ip:port, and for ProbeHttp mode completes a
// TLS handshake (using sni as the ClientHello server name while the
// certificate is still verified against host) followed by an HTTP HEAD
// request, returning the elapsed time.
func DefaultProber(ctx context.Context, ip string, port int, host, sni string, mode ProbeMode, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	dialer := &net.Dialer{}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if mode == ProbeTcp {
		return time.Since(start), nil
	}

	serverName := sni
	if serverName == "" {
		serverName = host
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+host+"/", nil)
	if err != nil {
		return 0, err
	}
	req.Host = host
	if err := req.Write(tlsConn); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
