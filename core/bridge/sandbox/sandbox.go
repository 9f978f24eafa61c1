// Package sandbox runs user-authored transformation scripts in an embedded
// Lua VM with no host capabilities. Each run gets a fresh VM, a copy of the
// request data, a wall-clock budget and an allocation ceiling.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const (
	// ResultVersion is the supported result version tag.
	ResultVersion = "v2"
	// LegacyPrefix precedes bare string results.
	LegacyPrefix = "Received webhook: "
	// DefaultBudget bounds one run when no budget is configured.
	DefaultBudget = 500 * time.Millisecond

	maxDataDepth = 64
)

// Failure outcomes.
const (
	ReasonCompile = "compile"
	ReasonRuntime = "runtime"
	ReasonTimeout = "timeout"
	ReasonShape   = "shape"
	ReasonVersion = "version"
	ReasonMemory  = "memory"
)

// Failure is returned for any script that does not yield an accepted
// result. Callers substitute a degraded notice and never surface Err.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "transformation failed: " + f.Reason
	}
	return fmt.Sprintf("transformation failed (%s): %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is the message produced by a script.
type Result struct {
	Version string
	Plain   string
	HTML    string
	MsgType string
	// Empty means the script deliberately produced no message.
	Empty bool
}

// Script is a compiled transformation function.
type Script struct {
	name  string
	proto *lua.FunctionProto
}

// Compile parses source. Syntax errors are reported as a *Failure with
// ReasonCompile.
func Compile(name, source string) (*Script, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &Failure{Reason: ReasonCompile, Err: errors.New("empty script")}
	}
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, &Failure{Reason: ReasonCompile, Err: err}
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, &Failure{Reason: ReasonCompile, Err: err}
	}
	return &Script{name: name, proto: proto}, nil
}

// Metrics observes runs by outcome.
type Metrics interface {
	ObserveTransform(outcome string, durationSeconds float64)
}

// Sandbox executes scripts under a budget.
type Sandbox struct {
	budget  time.Duration
	metrics Metrics
}

// New returns a Sandbox. A non-positive budget selects DefaultBudget.
func New(budget time.Duration, metrics Metrics) *Sandbox {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Sandbox{budget: budget, metrics: metrics}
}

// Budget is the per-run wall-clock limit.
func (s *Sandbox) Budget() time.Duration { return s.budget }

// Run executes script with data bound as the global "data" and interprets
// the global "result". The budget applies independently of ctx's deadline.
func (s *Sandbox) Run(ctx context.Context, script *Script, data any) (res Result, err error) {
	start := time.Now()
	defer func() {
		if s.metrics == nil {
			return
		}
		outcome := "ok"
		var failure *Failure
		if errors.As(err, &failure) {
			outcome = failure.Reason
		}
		s.metrics.ObserveTransform(outcome, time.Since(start).Seconds())
	}()
	if script == nil || script.proto == nil {
		return Result{}, &Failure{Reason: ReasonCompile, Err: errors.New("no script")}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.budget)
	defer cancel()
	vmCtx, stop := context.WithCancelCause(runCtx)
	defer stop(nil)

	L, err := newState()
	if err != nil {
		return Result{}, &Failure{Reason: ReasonRuntime, Err: err}
	}
	defer L.Close()
	g := &guard{}
	g.install(L)

	value, err := toLua(L, data, 0)
	if err != nil {
		return Result{}, &Failure{Reason: ReasonShape, Err: err}
	}
	L.SetGlobal("data", value)
	L.SetContext(vmCtx)
	go watchAllocations(vmCtx, stop, MaxRunAllocBytes)

	if err := call(L, script.proto); err != nil {
		switch {
		case g.exceeded:
			return Result{}, &Failure{Reason: ReasonMemory, Err: err}
		case errors.Is(context.Cause(vmCtx), errAllocLimit):
			return Result{}, &Failure{Reason: ReasonMemory, Err: fmt.Errorf("allocated more than %s", formatLimit(MaxRunAllocBytes))}
		case runCtx.Err() != nil:
			return Result{}, &Failure{Reason: ReasonTimeout, Err: fmt.Errorf("exceeded %s budget", s.budget)}
		}
		return Result{}, &Failure{Reason: ReasonRuntime, Err: err}
	}
	return interpret(L.GetGlobal("result"))
}

func call(L *lua.LState, proto *lua.FunctionProto) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("vm panic: %v", r)
		}
	}()
	L.Push(L.NewFunctionFromProto(proto))
	return L.PCall(0, lua.MultRet, nil)
}

// disabledGlobals are removed after the base library is opened.
var disabledGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "print", "newproxy", "getfenv", "setfenv",
	"coroutine", "os", "io", "package", "debug", "channel",
}

func newState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       128,
		RegistrySize:        1024 * 8,
		RegistryMaxSize:     1024 * 64,
		RegistryGrowStep:    64,
		MinimizeStackMemory: true,
	})
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open %s: %w", lib.name, err)
		}
	}
	for _, name := range disabledGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("dump", lua.LNil)
	}
	return L, nil
}

func toLua(L *lua.LState, v any, depth int) (lua.LValue, error) {
	if depth > maxDataDepth {
		return lua.LNil, errors.New("data nested too deeply")
	}
	switch t := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(t), nil
	case float64:
		return lua.LNumber(t), nil
	case int:
		return lua.LNumber(t), nil
	case int64:
		return lua.LNumber(t), nil
	case string:
		return lua.LString(t), nil
	case []any:
		tbl := L.NewTable()
		for i, item := range t {
			lv, err := toLua(L, item, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			tbl.RawSetInt(i+1, lv)
		}
		return tbl, nil
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range t {
			lv, err := toLua(L, item, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			tbl.RawSetString(k, lv)
		}
		return tbl, nil
	default:
		return lua.LNil, fmt.Errorf("unsupported data type %T", v)
	}
}

func interpret(value lua.LValue) (Result, error) {
	switch v := value.(type) {
	case lua.LString:
		return Result{Version: ResultVersion, Plain: LegacyPrefix + string(v)}, nil
	case *lua.LTable:
		version, ok := v.RawGetString("version").(lua.LString)
		if !ok {
			return Result{}, &Failure{Reason: ReasonVersion, Err: errors.New("result has no version")}
		}
		if string(version) != ResultVersion {
			return Result{}, &Failure{Reason: ReasonVersion, Err: fmt.Errorf("unsupported result version %q", string(version))}
		}
		if lua.LVAsBool(v.RawGetString("empty")) {
			return Result{Version: ResultVersion, Empty: true}, nil
		}
		plain, ok := v.RawGetString("plain").(lua.LString)
		if !ok {
			return Result{}, &Failure{Reason: ReasonShape, Err: errors.New("result.plain must be a string")}
		}
		res := Result{Version: ResultVersion, Plain: string(plain)}
		if html, ok := optionalString(v, "html"); ok {
			res.HTML = html
		} else {
			return Result{}, &Failure{Reason: ReasonShape, Err: errors.New("result.html must be a string")}
		}
		if msgtype, ok := optionalString(v, "msgtype"); ok {
			res.MsgType = msgtype
		} else {
			return Result{}, &Failure{Reason: ReasonShape, Err: errors.New("result.msgtype must be a string")}
		}
		return res, nil
	case *lua.LNilType:
		return Result{}, &Failure{Reason: ReasonShape, Err: errors.New("script did not set result")}
	default:
		return Result{}, &Failure{Reason: ReasonShape, Err: fmt.Errorf("unsupported result type %s", value.Type())}
	}
}

// optionalString reads an optional string field. ok is false only when the
// field is present with another type.
func optionalString(tbl *lua.LTable, key string) (string, bool) {
	switch v := tbl.RawGetString(key).(type) {
	case *lua.LNilType:
		return "", true
	case lua.LString:
		return string(v), true
	default:
		return "", false
	}
}
