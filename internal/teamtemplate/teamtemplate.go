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

// Package teamtemplate implements the versioned JSON import/export
// document of spec.md §6.4: a team shares its IP-pool, proxy, TLS and
// credential configuration sections, and each recipient imports them
// with a per-section strategy ({Overwrite, KeepLocal, Merge}) against
// their own local configuration.
package teamtemplate

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fireworks-collab/agent-core/internal/config"
	"github.com/fireworks-collab/agent-core/internal/sanitize"
)

// SchemaVersion is the version this package writes on Export; Import
// accepts any document whose major component matches.
const SchemaVersion = "1.0.0"

// Strategy names how an imported section reconciles with the local
// configuration, per spec.md §6.4.
type Strategy string

const (
	Overwrite Strategy = "Overwrite"
	KeepLocal Strategy = "KeepLocal"
	Merge     Strategy = "Merge"
)

// Metadata is the free-form descriptive header of a Document.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	GeneratedBy string `json:"generatedBy,omitempty"`
	GeneratedAt string `json:"generatedAt,omitempty"`
}

// IPPoolSection bundles the runtime IP-pool config with the optional
// on-disk history file path it references.
type IPPoolSection struct {
	Runtime config.IPPoolConfig `json:"runtime"`
	File    string              `json:"file,omitempty"`
}

// Sections holds the optional, independently-importable configuration
// blocks; a nil field means that section is absent from the document.
type Sections struct {
	IPPool     *IPPoolSection         `json:"ipPool,omitempty"`
	Proxy      *config.ProxyConfig    `json:"proxy,omitempty"`
	TLS        *config.TLSConfig      `json:"tls,omitempty"`
	Credential *config.CredentialConfig `json:"credential,omitempty"`
}

// Document is the versioned JSON team-template document of spec.md §6.4.
type Document struct {
	SchemaVersion string   `json:"schemaVersion"`
	Metadata      Metadata `json:"metadata"`
	Sections      Sections `json:"sections"`
}

// Export builds a Document from cfg, sanitizing the proxy password,
// the credential known-hosts path, and the IP-pool history path, per
// spec.md §6.4's "sensitive fields ... are sanitized on export."
func Export(cfg config.Config, meta Metadata, now time.Time) Document {
	proxy := cfg.Proxy
	proxy.Password = sanitize.Mask(proxy.Password)
	cred := cfg.Credential
	cred.KnownHostsPath = sanitize.Mask(cred.KnownHostsPath)
	ipPool := cfg.IPPool
	historyFile := sanitize.Mask(ipPool.HistoryPath)
	ipPool.HistoryPath = historyFile

	if meta.GeneratedAt == "" {
		meta.GeneratedAt = now.UTC().Format(time.RFC3339)
	}

	return Document{
		SchemaVersion: SchemaVersion,
		Metadata:      meta,
		Sections: Sections{
			IPPool:     &IPPoolSection{Runtime: ipPool, File: historyFile},
			Proxy:      &proxy,
			TLS:        &cfg.TLS,
			Credential: &cred,
		},
	}
}

// Options configures one Import call: a strategy per section name
// ("ipPool", "proxy", "tls", "credential") and an optional path to back
// up the pre-import configuration before mutating it.
type Options struct {
	Strategies map[string]Strategy
	BackupPath string
}

func (o Options) strategyFor(section string) Strategy {
	if s, ok := o.Strategies[section]; ok {
		return s
	}
	return Merge
}

// Report records what Import actually did, per spec.md §6.4.
type Report struct {
	Applied    []string
	Skipped    []string
	Warnings   []string
	BackupPath string
}

var errMajorVersionMismatch = fmt.Errorf("schema major version mismatch")

// Import reconciles doc's sections into current per Options, returning
// the resulting configuration and a Report. It refuses entirely — the
// Config is returned unchanged — when doc's schema major version does
// not match this package's, per spec.md §6.4.
func Import(current config.Config, doc Document, opts Options) (config.Config, Report, error) {
	if !sameMajor(doc.SchemaVersion, SchemaVersion) {
		return current, Report{}, errMajorVersionMismatch
	}

	report := Report{}
	if opts.BackupPath != "" {
		if err := backup(current, opts.BackupPath); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("backup failed: %v", err))
		} else {
			report.BackupPath = opts.BackupPath
		}
	}

	out := current

	if doc.Sections.IPPool != nil {
		applySection(&report, "ipPool", opts.strategyFor("ipPool"), func(s Strategy) {
			out.IPPool = reconcileIPPool(out.IPPool, doc.Sections.IPPool.Runtime, s)
		})
	}
	if doc.Sections.Proxy != nil {
		applySection(&report, "proxy", opts.strategyFor("proxy"), func(s Strategy) {
			out.Proxy = reconcileProxy(out.Proxy, *doc.Sections.Proxy, s)
		})
	}
	if doc.Sections.TLS != nil {
		applySection(&report, "tls", opts.strategyFor("tls"), func(s Strategy) {
			out.TLS = reconcileTLS(out.TLS, *doc.Sections.TLS, s)
		})
	}
	if doc.Sections.Credential != nil {
		applySection(&report, "credential", opts.strategyFor("credential"), func(s Strategy) {
			out.Credential = reconcileCredential(out.Credential, *doc.Sections.Credential, s)
		})
	}

	return out, report, nil
}

func applySection(report *Report, name string, strategy Strategy, apply func(Strategy)) {
	if strategy == KeepLocal {
		report.Skipped = append(report.Skipped, name)
		return
	}
	apply(strategy)
	report.Applied = append(report.Applied, name)
}

// reconcileIPPool applies Overwrite (replace wholesale) or Merge
// (incoming non-zero scalar fields and non-empty slices win; Enabled and
// the nested Sources and CircuitBreaker blocks are always taken from
// incoming, even when zero) against the local IPPoolConfig.
func reconcileIPPool(local, incoming config.IPPoolConfig, s Strategy) config.IPPoolConfig {
	if s == Overwrite {
		return incoming
	}
	merged := local
	merged.Enabled = incoming.Enabled
	if len(incoming.UserStaticIPs) > 0 {
		merged.UserStaticIPs = incoming.UserStaticIPs
	}
	if len(incoming.FallbackIPs) > 0 {
		merged.FallbackIPs = incoming.FallbackIPs
	}
	if len(incoming.WhitelistCidrs) > 0 {
		merged.WhitelistCidrs = incoming.WhitelistCidrs
	}
	if len(incoming.BlacklistCidrs) > 0 {
		merged.BlacklistCidrs = incoming.BlacklistCidrs
	}
	if incoming.MaxParallelProbes > 0 {
		merged.MaxParallelProbes = incoming.MaxParallelProbes
	}
	if incoming.ProbeTimeoutMs > 0 {
		merged.ProbeTimeoutMs = incoming.ProbeTimeoutMs
	}
	if incoming.ProbeMode != "" {
		merged.ProbeMode = incoming.ProbeMode
	}
	if len(incoming.PreheatDomains) > 0 {
		merged.PreheatDomains = incoming.PreheatDomains
	}
	if incoming.PreheatFailureThreshold > 0 {
		merged.PreheatFailureThreshold = incoming.PreheatFailureThreshold
	}
	if incoming.AutoDisableCooldownSec > 0 {
		merged.AutoDisableCooldownSec = incoming.AutoDisableCooldownSec
	}
	merged.Sources = incoming.Sources
	merged.CircuitBreaker = incoming.CircuitBreaker
	return merged
}

func reconcileProxy(local, incoming config.ProxyConfig, s Strategy) config.ProxyConfig {
	if s == Overwrite {
		return incoming
	}
	merged := local
	if incoming.Mode != "" {
		merged.Mode = incoming.Mode
	}
	if incoming.URL != "" {
		merged.URL = incoming.URL
	}
	if incoming.Username != "" {
		merged.Username = incoming.Username
	}
	if incoming.Password != "" && incoming.Password != "***" {
		merged.Password = incoming.Password
	}
	merged.DisableCustomTransport = incoming.DisableCustomTransport
	if incoming.TimeoutSeconds > 0 {
		merged.TimeoutSeconds = incoming.TimeoutSeconds
	}
	if incoming.FallbackThreshold > 0 {
		merged.FallbackThreshold = incoming.FallbackThreshold
	}
	if incoming.FallbackWindowSeconds > 0 {
		merged.FallbackWindowSeconds = incoming.FallbackWindowSeconds
	}
	if incoming.RecoveryCooldownSeconds > 0 {
		merged.RecoveryCooldownSeconds = incoming.RecoveryCooldownSeconds
	}
	if incoming.HealthCheckIntervalSeconds > 0 {
		merged.HealthCheckIntervalSeconds = incoming.HealthCheckIntervalSeconds
	}
	if incoming.RecoveryStrategy != "" {
		merged.RecoveryStrategy = incoming.RecoveryStrategy
	}
	if incoming.ProbeURL != "" {
		merged.ProbeURL = incoming.ProbeURL
	}
	if incoming.ProbeTimeoutSeconds > 0 {
		merged.ProbeTimeoutSeconds = incoming.ProbeTimeoutSeconds
	}
	if incoming.RecoveryConsecutiveThreshold > 0 {
		merged.RecoveryConsecutiveThreshold = incoming.RecoveryConsecutiveThreshold
	}
	merged.DebugProxyLogging = incoming.DebugProxyLogging
	return merged
}

func reconcileTLS(local, incoming config.TLSConfig, s Strategy) config.TLSConfig {
	if s == Overwrite {
		return incoming
	}
	merged := local
	merged.FakeSniEnabled = incoming.FakeSniEnabled
	if len(incoming.FakeSniList) > 0 {
		merged.FakeSniList = incoming.FakeSniList
	}
	merged.SniRotateOn403 = incoming.SniRotateOn403
	merged.InsecureSkipVerify = incoming.InsecureSkipVerify
	merged.SkipSanWhitelist = incoming.SkipSanWhitelist
	if len(incoming.SanWhitelist) > 0 {
		merged.SanWhitelist = incoming.SanWhitelist
	}
	if len(incoming.SpkiPins) > 0 {
		merged.SpkiPins = incoming.SpkiPins
	}
	if incoming.CertFpMaxBytes > 0 {
		merged.CertFpMaxBytes = incoming.CertFpMaxBytes
	}
	return merged
}

func reconcileCredential(local, incoming config.CredentialConfig, s Strategy) config.CredentialConfig {
	if s == Overwrite {
		return incoming
	}
	merged := local
	if incoming.DefaultUsername != "" {
		merged.DefaultUsername = incoming.DefaultUsername
	}
	if incoming.KnownHostsPath != "" && incoming.KnownHostsPath != "***" {
		merged.KnownHostsPath = incoming.KnownHostsPath
	}
	return merged
}

func sameMajor(a, b string) bool {
	return majorOf(a) == majorOf(b)
}

func majorOf(v string) string {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) == 0 {
		return ""
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return parts[0]
	}
	return parts[0]
}

func backup(cfg config.Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
