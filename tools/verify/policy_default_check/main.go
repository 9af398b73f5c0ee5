package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/gatekeeper/internal/policy"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "gatekeeper-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertFalse := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got {
			ok = false
		}
	}
	assertTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	assertTrue("default_allow_write", p.AllowCapability(policy.CapWrite))
	assertFalse("default_allow_dependency", p.AllowCapability(policy.CapDependency))
	assertFalse("default_allow_install", p.AllowCapability(policy.CapInstall))
	assertFalse("default_allow_git_path", p.AllowPath(filepath.Join("repo", ".git", "config")))
	assertFalse("default_allow_remote_source", p.AllowSource("https://registry.example.com/pkg.tgz"))

	dir, err := os.MkdirTemp("", "gatekeeper-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "allow_sources:\n  - registry.npmjs.org\nallow_capabilities:\n  - autofix.write\n  - autofix.dependency\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial, policyPath)

	invalid := "allow_capabilities:\n  - autofix.write\n  - autofix.unknown\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	assertTrue("retain_previous_source", live.AllowSource("https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz"))
	assertTrue("retain_previous_cap", live.AllowCapability(policy.CapDependency))
	assertFalse("deny_unknown_cap", live.AllowCapability("autofix.unknown"))

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
