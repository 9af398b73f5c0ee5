// Package wasm runs custom schedule predicates compiled to WebAssembly. A
// predicate module exports `evaluate() -> i32`; a non-zero result means the
// condition holds. Modules may import host functions from the "host"
// module to read the current system signals.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/gatekeeper/internal/audit"
)

// Fault reason codes for predicate invocations.
const (
	FaultModuleNotFound  = "WASM_MODULE_NOT_FOUND"
	FaultTimeout         = "WASM_TIMEOUT"
	FaultMemoryExceeded  = "WASM_MEMORY_EXCEEDED"
	FaultNoExport        = "WASM_NO_EXPORT"
	FaultExecError       = "WASM_FAULT"
	FaultQuarantined     = "WASM_QUARANTINED"
	FaultMemoryExhausted = "WASM_HOST_MEMORY_EXHAUSTED"
)

// Fault is a structured predicate invocation error.
type Fault struct {
	Reason string // one of the Fault* constants
	Module string
	Detail string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultAggregateMemoryLimitPages is 640 pages = 40MB total across all modules.
const DefaultAggregateMemoryLimitPages uint32 = 640

// DefaultInvokeTimeout is the wall-clock limit for a single evaluation.
const DefaultInvokeTimeout = 2 * time.Second

// DefaultMaxFaults is the number of consecutive faults after which a module
// is quarantined until it is reloaded.
const DefaultMaxFaults = 3

// Signal ids accepted by the host.signal import.
const (
	SignalSystemHealth int32 = iota
	SignalSystemLoad
	SignalPrincipleAlignment
	SignalHour
	SignalWeekday
)

// Env is the system state a predicate evaluates against.
type Env struct {
	SystemHealth       float64
	SystemLoad         float64
	PrincipleAlignment float64
	Now                time.Time
}

func (e Env) signal(id int32) float64 {
	switch id {
	case SignalSystemHealth:
		return e.SystemHealth
	case SignalSystemLoad:
		return e.SystemLoad
	case SignalPrincipleAlignment:
		return e.PrincipleAlignment
	case SignalHour:
		return float64(e.Now.Hour())
	case SignalWeekday:
		return float64(e.Now.Weekday())
	}
	return math.NaN()
}

type envKey struct{}

type Config struct {
	Logger *slog.Logger

	// MemoryLimitPages caps memory per module (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// AggregateMemoryLimitPages caps total memory across all loaded modules. 0 uses DefaultAggregateMemoryLimitPages.
	AggregateMemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per evaluation. 0 uses DefaultInvokeTimeout.
	InvokeTimeout time.Duration
	// MaxFaults is the quarantine threshold. 0 uses DefaultMaxFaults.
	MaxFaults int
}

// Host owns the wazero runtime and the loaded predicate modules.
type Host struct {
	logger *slog.Logger

	runtime       wazero.Runtime
	invokeTimeout time.Duration
	maxFaults     int

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
	faults               map[string]int
	quarantined          map[string]bool
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}
	maxFaults := cfg.MaxFaults
	if maxFaults <= 0 {
		maxFaults = DefaultMaxFaults
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:               cfg.Logger.With("component", "wasm"),
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		maxFaults:            maxFaults,
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
		faults:               map[string]int{},
		quarantined:          map[string]bool{},
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostSignal).Export("signal")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("log")

	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// Modules lists loaded module names, sorted.
func (h *Host) Modules() []string {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	out := make([]string, 0, len(h.modules))
	for name := range h.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Quarantined reports whether name was disabled after repeated faults.
func (h *Host) Quarantined(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	return h.quarantined[name]
}

// MemoryStats returns aggregate memory pages, per-module breakdown, and the configured limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.moduleMemoryPages))
	for name, pages := range h.moduleMemoryPages {
		aggregatePages += pages
		perModule[name] = pages
	}
	limit = h.aggregateMemoryLimit
	return
}

// Evaluate calls the module's evaluate export with env visible to the
// host.signal import.
func (h *Host) Evaluate(ctx context.Context, moduleName string, env Env) (bool, error) {
	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	quarantined := h.quarantined[moduleName]
	h.modulesMu.Unlock()
	if quarantined {
		return false, &Fault{Reason: FaultQuarantined, Module: moduleName, Detail: "predicate quarantined after repeated faults"}
	}
	if !ok {
		return false, &Fault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}
	fn := module.ExportedFunction("evaluate")
	if fn == nil {
		return false, &Fault{Reason: FaultNoExport, Module: moduleName, Detail: "module does not export evaluate"}
	}
	if env.Now.IsZero() {
		env.Now = time.Now()
	}

	invokeCtx, cancel := context.WithTimeout(context.WithValue(ctx, envKey{}, env), h.invokeTimeout)
	defer cancel()

	results, err := fn.Call(invokeCtx)
	if err != nil {
		fault := classifyFault(moduleName, err)
		h.logger.Warn("predicate fault", "module", moduleName, "reason", fault.Reason)
		h.recordFault(ctx, moduleName)
		return false, fault
	}
	h.modulesMu.Lock()
	delete(h.faults, moduleName)
	h.modulesMu.Unlock()
	if len(results) == 0 {
		return false, &Fault{Reason: FaultNoExport, Module: moduleName, Detail: "evaluate returned no value"}
	}
	return int32(results[0]) != 0, nil
}

func (h *Host) recordFault(ctx context.Context, moduleName string) {
	h.modulesMu.Lock()
	h.faults[moduleName]++
	n := h.faults[moduleName]
	tripped := n >= h.maxFaults && !h.quarantined[moduleName]
	if tripped {
		h.quarantined[moduleName] = true
	}
	h.modulesMu.Unlock()
	if tripped {
		h.logger.Warn("predicate quarantined", "module", moduleName, "faults", n)
		audit.Record(ctx, "quarantine", "scheduler.predicate", "fault_threshold_exceeded", "", moduleName)
	}
}

// classifyFault maps a WASM execution error to a deterministic Fault.
func classifyFault(moduleName string, err error) *Fault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: errMsg}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: errMsg}
}

// LoadDir loads every *.wasm file in dir. A missing dir is not an error.
func (h *Host) LoadDir(ctx context.Context, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil {
		return err
	}
	var errs []error
	for _, path := range matches {
		if err := h.LoadModuleFromFile(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Host) LoadModuleFromFile(ctx context.Context, srcPath string) error {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	name := moduleNameFromPath(srcPath)
	return h.LoadModuleFromBytes(ctx, name, wasmBytes, srcPath)
}

// LoadModuleFromBytes compiles and instantiates a module, replacing any
// module of the same name and clearing its quarantine.
func (h *Host) LoadModuleFromBytes(ctx context.Context, name string, wasmBytes []byte, source string) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	// Min() is the initial page count declared in the module.
	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &Fault{
			Reason: FaultMemoryExhausted,
			Module: name,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages",
				currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	// wazero tracks instances by name.
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	// Memory() returns a typed nil for modules that export no memory.
	actualPages := estimatedPages
	if len(compiled.ExportedMemories()) > 0 {
		if mem := module.Memory(); mem != nil {
			if pages, ok := mem.Grow(0); ok && pages > 0 {
				actualPages = pages
			}
		}
	}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[name] = module
	h.moduleMemoryPages[name] = actualPages
	delete(h.faults, name)
	delete(h.quarantined, name)

	var aggregate uint32
	for _, pages := range h.moduleMemoryPages {
		aggregate += pages
	}
	h.logger.Info("predicate loaded", "module", name, "path", source,
		"memory_pages", actualPages, "aggregate_pages", aggregate, "limit_pages", h.aggregateMemoryLimit)
	return nil
}

// Unload closes and forgets a module. It reports whether one was loaded.
func (h *Host) Unload(ctx context.Context, name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	module, ok := h.modules[name]
	if !ok {
		return false
	}
	_ = module.Close(ctx)
	delete(h.modules, name)
	delete(h.moduleMemoryPages, name)
	delete(h.faults, name)
	delete(h.quarantined, name)
	h.logger.Info("predicate unloaded", "module", name)
	return true
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	mem := module.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// hostSignal returns the requested signal of the Env attached to ctx, or
// NaN for an unknown id.
func (h *Host) hostSignal(ctx context.Context, id int32) float64 {
	env, ok := ctx.Value(envKey{}).(Env)
	if !ok {
		return math.NaN()
	}
	return env.signal(id)
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}
	attrs := []any{"module", module.Name(), "msg", msg}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("predicate log", attrs...)
	case "warn":
		h.logger.Warn("predicate log", attrs...)
	case "debug":
		h.logger.Debug("predicate log", attrs...)
	default:
		h.logger.Info("predicate log", attrs...)
	}
}
