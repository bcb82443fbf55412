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

package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fireworks-collab/agent-core/internal/events"
	"github.com/fireworks-collab/agent-core/internal/ippool"
)

// Config bounds the adaptive TLS dial algorithm of spec.md §4.7/§6.1.
type Config struct {
	// FakeSniEnabled, when true, tries a decoy ServerName first and
	// falls back to the real host name on handshake failure.
	FakeSniEnabled bool
	// FakeSniList is the pool of decoy SNI values to rotate through.
	FakeSniList []string
	// SniRotateOn403 allows one additional SNI rotation + stream
	// rebuild when the upstream response is 403.
	SniRotateOn403 bool
	// SpkiPins maps a host to the hex-encoded SHA-256 SPKI pins it must
	// match; empty means no pinning for that host.
	SpkiPins map[string][]string
	// SampleEveryN emits AdaptiveTlsTiming for 1 handshake out of every
	// N; 0 or 1 means emit every time.
	SampleEveryN int
	// Pool, when non-nil, resolves candidate IPs before dialing.
	Pool *ippool.Pool
	// DialTimeout bounds the raw TCP connect.
	DialTimeout time.Duration
	// HandshakeTimeout bounds each TLS handshake attempt.
	HandshakeTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SampleEveryN <= 0 {
		c.SampleEveryN = 1
	}
	return c
}

// hostState is the per-host memory the dialer carries across calls:
// the last SNI that produced a 2xx, and the last certificate
// fingerprint observed, per spec.md §4.7 "last good SNI" and
// "cert-fingerprint change detection."
type hostState struct {
	lastGoodSNI string
	lastCertFP  string
	// rotatedStreams tracks, per repository path, whether this host's
	// SNI has already been rotated for the current clone/fetch/push
	// stream. It is cleared when a fresh info/refs succeeds, so the
	// next stream to the same repository starts with a clean slate.
	rotatedStreams map[string]bool
}

// dialer implements the TLS-layer fake/real SNI selection, fallback,
// cert-fingerprint tracking and timing instrumentation that sits
// beneath the custom scheme's http.Client. It is grounded on the
// teacher's transport construction in git_atomic_push.go (building a
// transport.Endpoint/Client pair per remote) generalized from "one
// fixed TLS config" to "adaptive per-host policy."
type dialer struct {
	cfg Config
	bus *events.Bus

	mu        sync.Mutex
	states    map[string]*hostState
	sampleSeq uint64
}

func newDialer(cfg Config, bus *events.Bus) *dialer {
	return &dialer{cfg: cfg.normalize(), bus: bus, states: map[string]*hostState{}}
}

func (d *dialer) stateFor(host string) *hostState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[host]
	if !ok {
		st = &hostState{}
		d.states[host] = st
	}
	return st
}

// resolveIP asks the ip pool (when configured) for the best candidate
// address; it falls back to dialing the hostname directly, letting the
// OS resolver and net.Dialer handle it, when no pool is wired or no
// candidate is cached yet.
func (d *dialer) resolveIP(ctx context.Context, host string, port int) (ip, source string, latencyMs int64) {
	if d.cfg.Pool == nil {
		return "", "", 0
	}
	best, ok := d.cfg.Pool.Best(host, port)
	if !ok {
		return "", "", 0
	}
	return best.IP, best.Source, best.LatencyMs
}

// dialTLS implements http.Transport.DialTLSContext. addr is "host:port".
func (d *dialer) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid port in %q: %w", addr, err)
	}

	ip, ipSource, ipLatencyMs := d.resolveIP(ctx, host, port)
	dialAddr := addr
	if ip != "" {
		dialAddr = net.JoinHostPort(ip, portStr)
	}

	st := d.stateFor(host)
	sni := d.chooseSNI(host, st)
	usedFake := sni != host

	connStart := time.Now()
	rawConn, err := (&net.Dialer{Timeout: d.cfg.DialTimeout}).DialContext(ctx, network, dialAddr)
	connectMs := time.Since(connStart).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", dialAddr, err)
	}

	tlsStart := time.Now()
	conn, fpChanged, fallbackStage, err := d.handshake(ctx, rawConn, host, sni, st, usedFake)
	tlsMs := time.Since(tlsStart).Milliseconds()
	if err != nil {
		rawConn.Close()
		return nil, err
	}

	d.maybeEmitTiming(events.AdaptiveTlsTiming{
		ConnectMs:     connectMs,
		TlsMs:         tlsMs,
		UsedFakeSni:   usedFake && fallbackStage == "",
		FallbackStage: fallbackStage,
		CertFpChanged: fpChanged,
		IpSource:      ipSource,
		IpLatencyMs:   latencyMsPtr(ipLatencyMs, ipSource),
	})

	return conn, nil
}

func latencyMsPtr(v int64, source string) *int64 {
	if source == "" {
		return nil
	}
	return &v
}

// chooseSNI picks the decoy SNI to try first, preferring the host's
// last-known-good SNI, per spec.md §4.7: "once a SNI value yields a 2xx
// it becomes the preferred value for subsequent connections to that
// host until a 403 forces rotation."
func (d *dialer) chooseSNI(host string, st *hostState) string {
	if !d.cfg.FakeSniEnabled || len(d.cfg.FakeSniList) == 0 {
		return host
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if st.lastGoodSNI != "" {
		return st.lastGoodSNI
	}
	return d.cfg.FakeSniList[0]
}

// markStreamRotatedLocked records that host has rotated SNI for repoKey
// in the current stream; callers hold d.mu.
func markStreamRotatedLocked(st *hostState, repoKey string) {
	if st.rotatedStreams == nil {
		st.rotatedStreams = make(map[string]bool)
	}
	st.rotatedStreams[repoKey] = true
}

// resetStreamLocked clears the rotation guard for repoKey, called when a
// fresh info/refs request succeeds and a new stream begins; callers hold
// d.mu.
func resetStreamLocked(st *hostState, repoKey string) {
	if st.rotatedStreams != nil {
		delete(st.rotatedStreams, repoKey)
	}
}

// rotateSNI advances past the current SNI on a 403, per spec.md §4.7
// "sni_rotate_on_403." Returns the entry of FakeSniList after
// current, wrapping to the start (FakeSniList[0] when current is not in
// the list), or host unchanged when rotation is disabled or the list is
// empty. The list is never exhausted: a one-entry list yields the same
// SNI again.
func (d *dialer) rotateSNI(host, current string) string {
	if !d.cfg.SniRotateOn403 || len(d.cfg.FakeSniList) == 0 {
		return host
	}
	for i, candidate := range d.cfg.FakeSniList {
		if candidate == current {
			next := d.cfg.FakeSniList[(i+1)%len(d.cfg.FakeSniList)]
			return next
		}
	}
	return d.cfg.FakeSniList[0]
}

// handshake performs the TLS handshake with sni as the ClientHello
// server name but verifies the resulting chain against host, per
// spec.md §4.7 "verify against the real hostname even when a decoy SNI
// is used." On failure with a decoy SNI it retries once with the real
// hostname, the "TLS-layer fallback" path.
func (d *dialer) handshake(ctx context.Context, raw net.Conn, host, sni string, st *hostState, usedFake bool) (net.Conn, bool, string, error) {
	conn, err := d.attemptHandshake(ctx, raw, host, sni)
	if err == nil {
		fpChanged := d.recordCertFP(host, st, conn)
		if usedFake {
			d.mu.Lock()
			st.lastGoodSNI = sni
			d.mu.Unlock()
		}
		return conn, fpChanged, "", nil
	}
	if !usedFake {
		return nil, false, "", fmt.Errorf("transport: tls handshake to %s: %w", host, err)
	}

	d.publish(events.KindAdaptiveTlsFallback, events.AdaptiveTlsFallback{From: sni, To: host, Reason: "fake_sni_handshake_failed"})

	fallbackConn, ferr := d.attemptHandshake(ctx, raw, host, host)
	if ferr != nil {
		return nil, false, "fake_to_real", fmt.Errorf("transport: tls fallback handshake to %s: %w", host, ferr)
	}
	fpChanged := d.recordCertFP(host, st, fallbackConn)
	d.mu.Lock()
	st.lastGoodSNI = ""
	d.mu.Unlock()
	return fallbackConn, fpChanged, "fake_to_real", nil
}

func (d *dialer) attemptHandshake(ctx context.Context, raw net.Conn, host, sni string) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyAgainstHost(cs, host, d.pinsFor(host))
		},
	}
	tlsConn := tls.Client(raw, cfg)
	hsCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// pinsFor looks up the configured SPKI pins for host, falling back to a
// "*" wildcard entry so a deployment that pins every host through one
// shared list doesn't need to repeat it per hostname.
func (d *dialer) pinsFor(host string) []string {
	if pins, ok := d.cfg.SpkiPins[host]; ok {
		return pins
	}
	return d.cfg.SpkiPins["*"]
}

// verifyAgainstHost rebuilds and verifies the certificate chain against
// the real hostname regardless of what ServerName the ClientHello
// carried, and enforces an optional SPKI pin list.
func verifyAgainstHost(cs tls.ConnectionState, host string, pins []string) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("transport: no peer certificates presented")
	}
	leaf := cs.PeerCertificates[0]

	opts := x509.VerifyOptions{DNSName: host, Intermediates: x509.NewCertPool()}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("transport: certificate does not verify for %s: %w", host, err)
	}

	if len(pins) == 0 {
		return nil
	}
	fp := spkiFingerprint(leaf)
	for _, pin := range pins {
		if pin == fp {
			return nil
		}
	}
	return fmt.Errorf("transport: spki pin mismatch for %s", host)
}

func spkiFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

// recordCertFP compares the handshake's leaf certificate fingerprint
// against the last one observed for host and publishes
// CertFingerprintChanged when it differs, per spec.md §4.7.
func (d *dialer) recordCertFP(host string, st *hostState, conn *tls.Conn) bool {
	cs := conn.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return false
	}
	fp := spkiFingerprint(cs.PeerCertificates[0])

	d.mu.Lock()
	old := st.lastCertFP
	st.lastCertFP = fp
	d.mu.Unlock()

	if old == "" || old == fp {
		return false
	}
	d.publish(events.KindCertFingerprintChanged, events.CertFingerprintChanged{Host: host, Old: old, New: fp})
	return true
}

func (d *dialer) maybeEmitTiming(payload events.AdaptiveTlsTiming) {
	d.mu.Lock()
	d.sampleSeq++
	seq := d.sampleSeq
	d.mu.Unlock()
	if seq%uint64(d.cfg.SampleEveryN) != 0 {
		return
	}
	d.publish(events.KindAdaptiveTlsTiming, payload)
}

func (d *dialer) publish(kind events.Kind, payload any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Category: events.CategoryStrategy, Kind: kind, Payload: payload})
}
