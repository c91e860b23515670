// Package policy decides which peers may open sessions and which bridge
// methods may ever be granted. The policy lives in <home>/policy.yaml and
// can be reloaded while the bridge runs.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/basket/walletbridge/internal/commands"
)

// Default peer decisions.
const (
	DefaultAllow = "allow"
	DefaultDeny  = "deny"
)

// Checker is the interface used by consumers to vet session proposals.
type Checker interface {
	AllowPeer(rawURL string) bool
	AllowMethod(method string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	// Default applies to peers matching neither list; empty means allow.
	Default      string   `yaml:"default"`
	AllowDomains []string `yaml:"allow_domains"`
	DenyDomains  []string `yaml:"deny_domains"`
	// DenyMethods are never granted, whatever a peer requests.
	DenyMethods []string `yaml:"deny_methods"`
}

// Path returns the policy file location within homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

func Default() Policy {
	return Policy{Default: DefaultAllow}
}

// Load reads path. A missing or empty file yields the default policy.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// AllowPeer reports whether a peer served from rawURL may open a session.
// A deny match wins over an allow match.
func (p Policy) AllowPeer(rawURL string) bool {
	host := peerHost(rawURL)
	if host != "" {
		if matchDomain(host, p.DenyDomains) {
			return false
		}
		if matchDomain(host, p.AllowDomains) {
			return true
		}
	}
	return !strings.EqualFold(strings.TrimSpace(p.Default), DefaultDeny)
}

func (p Policy) AllowMethod(method string) bool {
	return !slices.Contains(p.DenyMethods, method)
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func peerHost(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func matchDomain(host string, domains []string) bool {
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func (p Policy) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.Default)) {
	case "", DefaultAllow, DefaultDeny:
	default:
		return fmt.Errorf("policy default %q must be allow or deny", p.Default)
	}
	known := make(map[string]struct{})
	for _, spec := range commands.DefaultSpecs() {
		known[spec.Name] = struct{}{}
	}
	for _, m := range p.DenyMethods {
		if _, ok := known[m]; !ok {
			return fmt.Errorf("unknown method %q in deny_methods", m)
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe reloads.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) AllowPeer(rawURL string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowPeer(rawURL)
}

func (lp *LivePolicy) AllowMethod(method string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowMethod(method)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowDomains = slices.Clone(lp.data.AllowDomains)
	cp.DenyDomains = slices.Clone(lp.data.DenyDomains)
	cp.DenyMethods = slices.Clone(lp.data.DenyMethods)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("default=" + strings.ToLower(strings.TrimSpace(p.Default)) + "|"))
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte("allow:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.DenyDomains {
		_, _ = h.Write([]byte("deny:" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.DenyMethods {
		_, _ = h.Write([]byte("method:" + v + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
