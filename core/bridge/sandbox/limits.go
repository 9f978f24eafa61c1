package sandbox

import (
	"context"
	"errors"
	rtmetrics "runtime/metrics"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/pm"
)

const (
	// MaxStringBytes caps a string built by one native library call. The
	// budget is only checked between VM instructions, so these calls are
	// refused before they allocate.
	MaxStringBytes = 1 << 20
	// MaxRunAllocBytes caps heap allocation while a run is in progress.
	// The counter is process wide, so concurrent work counts too.
	MaxRunAllocBytes = 64 << 20

	allocSampleInterval = 2 * time.Millisecond
	maxFormatDigits     = 2
)

var errAllocLimit = errors.New("allocation limit exceeded")

// guard replaces the library functions that can build large strings in a
// single call. exceeded records that one of them refused.
type guard struct {
	exceeded bool
}

func (g *guard) refuse(L *lua.LState, what string, size int) {
	g.exceeded = true
	L.RaiseError("%s would build %d bytes, limit is %d", what, size, MaxStringBytes)
}

func (g *guard) install(L *lua.LState) {
	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("rep", L.NewFunction(g.rep))
		str.RawSetString("gsub", L.NewFunction(g.gsub))
		if orig, ok := str.RawGetString("format").(*lua.LFunction); ok && orig.IsG {
			str.RawSetString("format", L.NewFunction(g.format(orig.GFunction)))
		}
	}
	if tbl, ok := L.GetGlobal("table").(*lua.LTable); ok {
		if orig, ok := tbl.RawGetString("concat").(*lua.LFunction); ok && orig.IsG {
			tbl.RawSetString("concat", L.NewFunction(g.concat(orig.GFunction)))
		}
	}
}

func (g *guard) rep(L *lua.LState) int {
	s := L.CheckString(1)
	n := float64(L.CheckNumber(2))
	if n < 1 || s == "" {
		L.Push(lua.LString(""))
		return 1
	}
	if size := float64(len(s)) * n; size > MaxStringBytes {
		g.refuse(L, "string.rep", int(min(size, 1<<62)))
	}
	L.Push(lua.LString(strings.Repeat(s, int(n))))
	return 1
}

func (g *guard) concat(orig lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		tbl := L.CheckTable(1)
		sep := L.OptString(2, "")
		size := 0
		for i := 1; i <= tbl.Len(); i++ {
			size += len(lua.LVAsString(tbl.RawGetInt(i))) + len(sep)
			if size > MaxStringBytes {
				g.refuse(L, "table.concat", size)
			}
		}
		return orig(L)
	}
}

// format rejects widths and precisions longer than two digits, as Lua does.
// Without them the output is linear in the arguments.
func (g *guard) format(orig lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		spec := L.CheckString(1)
		for i := 0; i < len(spec); i++ {
			if spec[i] != '%' {
				continue
			}
			i++
			if i < len(spec) && spec[i] == '%' {
				continue
			}
			for i < len(spec) && strings.IndexByte("-+ #0", spec[i]) >= 0 {
				i++
			}
			digits := 0
			for ; i < len(spec) && (spec[i] == '.' || (spec[i] >= '0' && spec[i] <= '9')); i++ {
				if spec[i] == '.' {
					digits = 0
					continue
				}
				if digits++; digits > maxFormatDigits {
					g.exceeded = true
					L.RaiseError("invalid format (width or precision too long)")
				}
			}
		}
		return orig(L)
	}
}

// gsub is a linear string.gsub that stops once the result would pass
// MaxStringBytes.
func (g *guard) gsub(L *lua.LState) int {
	src := L.CheckString(1)
	pattern := L.CheckString(2)
	L.CheckTypes(3, lua.LTString, lua.LTTable, lua.LTFunction)
	repl := L.Get(3)
	limit := L.OptInt(4, -1)

	matches, err := pm.Find(pattern, []byte(src), 0, limit)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	var out strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m.Capture(0), m.Capture(1)
		out.WriteString(src[last:start])
		piece, ok := g.replacement(L, src, m, repl, MaxStringBytes-out.Len())
		if !ok {
			piece = src[start:end]
		}
		if size := out.Len() + len(piece) + len(src) - end; size > MaxStringBytes {
			g.refuse(L, "string.gsub", size)
		}
		out.WriteString(piece)
		last = end
	}
	out.WriteString(src[last:])
	L.Push(lua.LString(out.String()))
	L.Push(lua.LNumber(len(matches)))
	return 2
}

// replacement returns the text for one match. ok is false when the match
// is kept as is.
func (g *guard) replacement(L *lua.LState, src string, m *pm.MatchData, repl lua.LValue, room int) (string, bool) {
	var value lua.LValue
	switch r := repl.(type) {
	case lua.LString:
		return g.expand(L, src, m, string(r), room), true
	case *lua.LTable:
		value = L.GetTable(r, captureValue(src, m, firstCapture(m)))
	case *lua.LFunction:
		L.Push(r)
		nargs := 0
		if m.CaptureLength() > 2 {
			for i := 2; i < m.CaptureLength(); i += 2 {
				L.Push(captureValue(src, m, i))
				nargs++
			}
		} else {
			L.Push(captureValue(src, m, 0))
			nargs++
		}
		L.Call(nargs, 1)
		value = L.Get(-1)
		L.Pop(1)
	}
	if lua.LVIsFalse(value) {
		return "", false
	}
	return lua.LVAsString(value), true
}

// expand substitutes %0-%9 captures and %% in a replacement string.
func (g *guard) expand(L *lua.LState, src string, m *pm.MatchData, repl string, room int) string {
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		if c == '%' && i+1 < len(repl) {
			i++
			c = repl[i]
			if c >= '0' && c <= '9' {
				idx := 2 * int(c-'0')
				if idx >= m.CaptureLength() {
					if idx != 2 {
						L.RaiseError("invalid capture index")
					}
					idx = 0
				}
				b.WriteString(lua.LVAsString(captureValue(src, m, idx)))
			} else {
				b.WriteByte(c)
			}
		} else {
			b.WriteByte(c)
		}
		if b.Len() > room {
			g.refuse(L, "string.gsub", b.Len())
		}
	}
	return b.String()
}

func firstCapture(m *pm.MatchData) int {
	if m.CaptureLength() > 2 {
		return 2
	}
	return 0
}

func captureValue(src string, m *pm.MatchData, idx int) lua.LValue {
	if m.IsPosCapture(idx) {
		return lua.LNumber(m.Capture(idx))
	}
	return lua.LString(src[m.Capture(idx):m.Capture(idx+1)])
}

// watchAllocations cancels the run once the heap has grown by more than
// limit bytes since it started. The VM notices at its next instruction.
func watchAllocations(ctx context.Context, cancel context.CancelCauseFunc, limit uint64) {
	sample := []rtmetrics.Sample{{Name: "/gc/heap/allocs:bytes"}}
	rtmetrics.Read(sample)
	if sample[0].Value.Kind() != rtmetrics.KindUint64 {
		return
	}
	start := sample[0].Value.Uint64()
	ticker := time.NewTicker(allocSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rtmetrics.Read(sample)
			if sample[0].Value.Uint64()-start > limit {
				cancel(errAllocLimit)
				return
			}
		}
	}
}

func formatLimit(n int) string {
	return strconv.Itoa(n>>20) + "MiB"
}
