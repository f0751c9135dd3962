package script

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// blockedGlobals are removed from every state. They load code from disk or
// strings, or reach outside the sandbox.
var blockedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"require",
	"module",
	"collectgarbage",
	"getfenv",
	"setfenv",
	"newproxy",
}

// newSandboxedState creates a Lua state with only safe libraries and the
// tidy helper module.
func newSandboxedState(logger *zap.Logger) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	// io, os, debug and package are intentionally not opened.
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		logger.Debug(strings.Join(parts, "\t"))
		return 0
	}))

	L.SetGlobal("tidy", L.SetFuncs(L.NewTable(), tidyFuncs(logger)))
	return L
}

// tidyFuncs returns the tidy helper module.
func tidyFuncs(logger *zap.Logger) map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		// tidy.lines(text) -> table of lines without terminators
		"lines": func(L *lua.LState) int {
			text := L.CheckString(1)
			tbl := L.NewTable()
			for _, line := range strings.Split(text, "\n") {
				tbl.Append(lua.LString(line))
			}
			L.Push(tbl)
			return 1
		},
		// tidy.join(tbl, sep) -> string
		"join": func(L *lua.LState) int {
			tbl := L.CheckTable(1)
			sep := L.OptString(2, "\n")
			parts := make([]string, 0, tbl.Len())
			tbl.ForEach(func(_, v lua.LValue) {
				parts = append(parts, v.String())
			})
			L.Push(lua.LString(strings.Join(parts, sep)))
			return 1
		},
		// tidy.trim_right(s) -> s without trailing spaces and tabs
		"trim_right": func(L *lua.LState) int {
			L.Push(lua.LString(strings.TrimRight(L.CheckString(1), " \t")))
			return 1
		},
		// tidy.replace(s, old, new) -> plain (non-pattern) replacement
		"replace": func(L *lua.LState) int {
			L.Push(lua.LString(strings.ReplaceAll(L.CheckString(1), L.CheckString(2), L.CheckString(3))))
			return 1
		},
		// tidy.log(msg) -> writes to the extension log at info level
		"log": func(L *lua.LState) int {
			logger.Info(L.CheckString(1))
			return 0
		},
	}
}
