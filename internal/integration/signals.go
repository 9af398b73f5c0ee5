package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/gatekeeper/internal/quality"
	"github.com/basket/gatekeeper/internal/scheduler"
	"github.com/basket/gatekeeper/internal/shared"
)

var (
	_ scheduler.Signals = (*Engine)(nil)
	_ scheduler.Runner  = (*Engine)(nil)
)

// maxTargetBytes bounds the content read for one validation target.
const maxTargetBytes = 4 << 20

var skippedDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, ".gatekeeper": true}

// SystemLoad is the share of pipeline slots in use.
func (e *Engine) SystemLoad() float64 {
	e.mu.RLock()
	limit := maxPipelines(e.cfg)
	e.mu.RUnlock()
	return quality.Clamp01(float64(e.active.Load()) / float64(limit))
}

// PrincipleAlignment is the alignment of the latest run, 0 before any run.
func (e *Engine) PrincipleAlignment() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return 0
	}
	return e.last.Alignment
}

// HealthMetric reads a named figure of the latest run. success_rate and
// load are available before the first run.
func (e *Engine) HealthMetric(name string) (float64, bool) {
	switch name {
	case "success_rate":
		s := e.Stats()
		return s.SuccessRate(), s.Total > 0
	case "load", "system_load":
		return e.SystemLoad(), true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.last
	if r == nil {
		return 0, false
	}
	switch name {
	case "overall_score", "score":
		return r.Score, true
	case "system_health", "health":
		return r.Health, true
	case "principle_alignment", "alignment":
		return r.Alignment, true
	case "critical_issues":
		return float64(len(r.CriticalIssues)), true
	case "synchronization":
		return r.Metrics.Synchronization, true
	case "data_consistency", "consistency":
		return r.Metrics.Consistency, true
	case "performance":
		return r.Metrics.Performance, true
	case "reliability":
		return r.Metrics.Reliability, true
	}
	return 0, false
}

// PrincipleScore returns a principle's score from the latest run. An empty
// principle or "overall" asks for the overall alignment.
func (e *Engine) PrincipleScore(principle string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.last
	if r == nil {
		return 0, false
	}
	if principle == "" || principle == "overall" {
		return r.Alignment, true
	}
	if r.Principles == nil {
		return 0, false
	}
	b, ok := r.Principles.Breakdown[quality.Principle(principle)]
	return b.Score, ok
}

// ParticipantMetric reads coordinator statistics of a participant.
func (e *Engine) ParticipantMetric(participant, metric string) (float64, bool) {
	if e.coordinator == nil {
		return 0, false
	}
	ps, ok := e.coordinator.Stats().Participants[participant]
	if !ok {
		return 0, false
	}
	switch metric {
	case "success_rate":
		return ps.Success.Value(), ps.Success.Attempts > 0
	case "score", "mean_score":
		return ps.Score.Value, ps.Score.Count > 0
	case "duration_ms", "execution_time":
		return ps.DurationMs.Value, ps.DurationMs.Count > 0
	case "executions":
		return float64(ps.Executions), true
	case "consensus_votes":
		return float64(ps.ConsensusVotes), true
	}
	return 0, false
}

// RunTargets validates every target, relative to the workspace root. A
// directory target expands to the regular files below it. No targets means
// the whole workspace. The error joins read failures and runs that ended
// with status error; failed quality is not an execution failure.
func (e *Engine) RunTargets(ctx context.Context, targets []string, mode string) error {
	root := e.Config().WorkspaceRoot
	if len(targets) == 0 {
		targets = []string{"."}
	}
	files, err := expandTargets(root, targets)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		data, err := readTarget(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		vc := quality.Context{TargetPath: path, Content: string(data), WorkspaceRoot: root}
		res, err := e.RunValidation(shared.WithRunID(ctx, shared.NewRunID()), vc, Mode(mode))
		if err != nil {
			errs = append(errs, fmt.Errorf("validate %s: %w", path, err))
			continue
		}
		if res.Status == quality.StatusError {
			errs = append(errs, fmt.Errorf("validate %s: %s", path, strings.Join(res.CriticalIssues, "; ")))
		}
	}
	return errors.Join(errs...)
}

func expandTargets(root string, targets []string) ([]string, error) {
	var (
		out  []string
		errs []error
	)
	for _, t := range targets {
		path := t
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("stat target: %w", err))
			continue
		}
		if !info.IsDir() {
			out = append(out, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && skippedDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				out = append(out, p)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("walk %s: %w", path, err))
		}
	}
	return out, errors.Join(errs...)
}

func readTarget(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open target: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxTargetBytes))
	if err != nil {
		return nil, fmt.Errorf("read target: %w", err)
	}
	return data, nil
}
