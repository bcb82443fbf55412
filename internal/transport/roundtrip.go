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
	"net/http"
	"strings"
	"time"

	"github.com/fireworks-collab/agent-core/internal/credential"
	"github.com/fireworks-collab/agent-core/internal/events"
	"github.com/fireworks-collab/agent-core/internal/proxy"
)

// infoRefsSuffix is the smart-HTTP discovery request path segment; SNI
// rotation only triggers on a 403 during this phase (spec.md §4.7/§6.1),
// not on a later upload-pack/receive-pack POST within the same stream.
const infoRefsSuffix = "/info/refs"

// RoundTripper is the http.RoundTripper installed underneath go-git's
// smart-HTTP client for the custom scheme. It layers bearer-token
// injection from the request context, proxy-manager health reporting,
// and the one-shot 403 SNI-rotation retry (spec.md §4.7) on top of a
// stock *http.Transport whose DialTLSContext is the adaptive dialer.
type RoundTripper struct {
	next    *http.Transport
	dial    *dialer
	proxy   *proxy.Manager
	bus     *events.Bus
}

// NewRoundTripper builds the adaptive RoundTripper. proxyMgr may be
// nil, in which case no proxy is ever applied and every result is
// still reported nowhere.
func NewRoundTripper(cfg Config, proxyMgr *proxy.Manager, bus *events.Bus) *RoundTripper {
	d := newDialer(cfg, bus)
	base := &http.Transport{
		DialTLSContext:        d.dialTLS,
		ForceAttemptHTTP2:     false,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.normalize().HandshakeTimeout,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	rt := &RoundTripper{next: base, dial: d, proxy: proxyMgr, bus: bus}
	rt.applyProxy()
	return rt
}

func (rt *RoundTripper) applyProxy() {
	if rt.proxy == nil {
		return
	}
	connector, err := rt.proxy.GetConnector()
	if err != nil {
		return
	}
	_ = connector.Apply(rt.next)
}

// RoundTrip injects any bearer token carried on the request's context,
// performs the request, reports the outcome to the proxy manager when
// one is wired, and retries exactly once with a rotated SNI on a 403
// when sni_rotate_on_403 is enabled, per spec.md §4.7.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if tok, ok := credential.TokenFromContext(req.Context()); ok && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := rt.next.RoundTrip(req)
	rt.reportToProxy(err == nil && resp != nil && resp.StatusCode < 500, err)
	if err != nil {
		return nil, err
	}

	isInfoRefs := strings.HasSuffix(req.URL.Path, infoRefsSuffix)
	host := req.URL.Hostname()
	repoKey := strings.TrimSuffix(req.URL.Path, infoRefsSuffix)
	st := rt.dial.stateFor(host)

	if resp.StatusCode == http.StatusUnauthorized {
		rt.publish(events.KindAuthChallenge, events.AuthChallenge{
			Host: host, Path: req.URL.Path, Realm: authRealm(resp.Header.Get("WWW-Authenticate")),
		})
	}

	if isInfoRefs && resp.StatusCode == http.StatusOK {
		rt.dial.mu.Lock()
		resetStreamLocked(st, repoKey)
		rt.dial.mu.Unlock()
	}

	if resp.StatusCode == http.StatusForbidden && rt.dial.cfg.SniRotateOn403 && isInfoRefs {
		rt.dial.mu.Lock()
		alreadyRotated := st.rotatedStreams[repoKey]
		if alreadyRotated {
			rt.dial.mu.Unlock()
			return resp, nil
		}
		current := st.lastGoodSNI
		if current == "" {
			current = host
		}
		st.lastGoodSNI = rt.dial.rotateSNI(host, current)
		markStreamRotatedLocked(st, repoKey)
		rt.dial.mu.Unlock()

		resp.Body.Close()
		retryReq := req.Clone(req.Context())
		retryResp, retryErr := rt.next.RoundTrip(retryReq)
		rt.reportToProxy(retryErr == nil && retryResp != nil && retryResp.StatusCode < 500, retryErr)
		if retryErr != nil {
			return nil, retryErr
		}
		if retryResp.StatusCode == http.StatusOK {
			rt.dial.mu.Lock()
			resetStreamLocked(st, repoKey)
			rt.dial.mu.Unlock()
		}
		return retryResp, nil
	}

	return resp, nil
}

func (rt *RoundTripper) reportToProxy(success bool, err error) {
	if rt.proxy == nil {
		return
	}
	rt.proxy.ReportResult(success)
}

func (rt *RoundTripper) publish(kind events.Kind, payload any) {
	if rt.bus == nil {
		return
	}
	rt.bus.Publish(events.Event{Category: events.CategoryStrategy, Kind: kind, Payload: payload})
}

// authRealm extracts the realm parameter from a WWW-Authenticate header
// value (e.g. `Basic realm="Acme Git"`), returning "" when absent or
// unparseable; a best-effort parse is enough since this only enriches an
// observability event, not an auth decision.
func authRealm(header string) string {
	const marker = `realm="`
	i := strings.Index(header, marker)
	if i < 0 {
		return ""
	}
	rest := header[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// CloseIdleConnections allows http.Client.CloseIdleConnections to reach
// the underlying transport, matching the optional interface the
// standard library's http.Client looks for.
func (rt *RoundTripper) CloseIdleConnections() {
	rt.next.CloseIdleConnections()
}
