// Package policy decides which remediation actions the auto-fix engine may
// perform and on which files.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Capabilities gated by policy.
const (
	CapWrite      = "autofix.write"
	CapConfig     = "autofix.config"
	CapDependency = "autofix.dependency"
	CapInstall    = "autofix.install"
	CapTemplate   = "autofix.template"
	CapRollback   = "autofix.rollback"
)

// Checker is the interface consumers use to gate a remediation.
type Checker interface {
	AllowCapability(capability string) bool
	AllowPath(path string) bool
	AllowSource(raw string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	// AllowPaths are directory prefixes fixes may write under. Empty allows all.
	AllowPaths []string `yaml:"allow_paths"`
	// DenyPaths are glob patterns matched against each path element and the
	// base name. A match always wins over AllowPaths.
	DenyPaths         []string `yaml:"deny_paths"`
	AllowCapabilities []string `yaml:"allow_capabilities"`
	// AllowSources lists hosts that URL-style dependency versions may point at.
	AllowSources  []string `yaml:"allow_sources"`
	AllowLoopback bool     `yaml:"allow_loopback"`
}

// Default permits file and config edits outside VCS metadata. Dependency
// changes and installs must be granted explicitly.
func Default() Policy {
	return Policy{
		DenyPaths:         []string{".git", ".hg", ".svn"},
		AllowCapabilities: []string{CapWrite, CapConfig, CapTemplate, CapRollback},
	}
}

var knownCapabilities = map[string]struct{}{
	CapWrite:      {},
	CapConfig:     {},
	CapDependency: {},
	CapInstall:    {},
	CapTemplate:   {},
	CapRollback:   {},
}

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

// AllowSource reports whether a URL-style dependency source may be fetched.
// Non-URL versions such as "^1.2.0" are always allowed.
func (p Policy) AllowSource(raw string) bool {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return true
	}
	raw = strings.TrimPrefix(raw, "git+")
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" && scheme != "ssh" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowSources {
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

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func (p Policy) AllowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	for _, allowed := range p.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(allowed)) == capability {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// AllowPath checks a filesystem path against DenyPaths and then AllowPaths.
func (p Policy) AllowPath(path string) bool {
	if p.denied(path) {
		return false
	}
	if len(p.AllowPaths) == 0 {
		return true
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// New files: resolve the parent instead.
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if evalAllowed, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = evalAllowed
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (p Policy) denied(path string) bool {
	if len(p.DenyPaths) == 0 {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	elems := strings.Split(clean, "/")
	for _, pattern := range p.DenyPaths {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		for _, el := range elems {
			if ok, _ := filepath.Match(pattern, el); ok {
				return true
			}
		}
	}
	return false
}

func (p Policy) validate() error {
	for _, capName := range p.AllowCapabilities {
		capability := strings.ToLower(strings.TrimSpace(capName))
		if capability == "" {
			continue
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", capName)
		}
	}
	for _, pattern := range p.DenyPaths {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("bad deny pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowSource(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowSource(raw)
}

func (lp *LivePolicy) AllowCapability(capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowCapability(capability)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

func (lp *LivePolicy) AllowPath(path string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowPath(path)
}

func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}

// AddCapability grants a capability at runtime and persists the change.
func (lp *LivePolicy) AddCapability(cap string) error {
	cap = strings.ToLower(strings.TrimSpace(cap))
	if cap == "" {
		return fmt.Errorf("empty capability")
	}
	if _, ok := knownCapabilities[cap]; !ok {
		return fmt.Errorf("unknown capability %q", cap)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	if containsNormalized(lp.data.AllowCapabilities, cap) {
		return nil
	}
	lp.data.AllowCapabilities = append(lp.data.AllowCapabilities, cap)
	return lp.persist()
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
	cp.AllowPaths = append([]string(nil), lp.data.AllowPaths...)
	cp.DenyPaths = append([]string(nil), lp.data.DenyPaths...)
	cp.AllowCapabilities = append([]string(nil), lp.data.AllowCapabilities...)
	cp.AllowSources = append([]string(nil), lp.data.AllowSources...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error the previous policy remains active.
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
	for _, group := range [][]string{p.AllowPaths, p.DenyPaths, p.AllowCapabilities, p.AllowSources} {
		for _, v := range group {
			_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
		}
		_, _ = h.Write([]byte("#"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
