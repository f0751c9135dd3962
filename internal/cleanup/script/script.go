// Package script runs user cleanup scripts in a sandboxed Lua state.
//
// A script is a Lua file that defines a global function
//
//	function cleanup(text, info)
//	    -- info.path, info.ext, info.auto_save
//	    return text
//	end
//
// Returning nil leaves the text unchanged. Scripts get the base, table,
// string and math libraries only; file loading, module loading and the
// io/os/debug libraries are not available.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single cleanup call.
const DefaultTimeout = 2 * time.Second

// EntryPoint is the global function every script must define.
const EntryPoint = "cleanup"

// Script errors.
var (
	// ErrClosed is returned when using a closed script.
	ErrClosed = errors.New("script closed")

	// ErrNoEntryPoint is returned when a script does not define cleanup().
	ErrNoEntryPoint = errors.New("script does not define " + EntryPoint + "()")

	// ErrBadResult is returned when cleanup() returns something other than
	// a string or nil.
	ErrBadResult = errors.New("cleanup() must return a string or nil")
)

// Info describes the document being cleaned.
type Info struct {
	Path     string
	Ext      string
	AutoSave bool
}

// Script is a loaded cleanup script.
//
// gopher-lua states are not goroutine-safe; the mutex serializes calls.
type Script struct {
	name    string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// Option configures a Script.
type Option func(*Script)

// WithTimeout sets the per-call execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Script) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger routes tidy.log() output to logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Script) {
		if l != nil {
			s.logger = l
		}
	}
}

// Load reads and compiles the script at path.
func Load(path string, opts ...Option) (*Script, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	return LoadString(path, string(code), opts...)
}

// LoadString compiles code under the given name.
func LoadString(name, code string, opts ...Option) (*Script, error) {
	s := &Script{
		name:    name,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("script", name))

	s.L = newSandboxedState(s.logger)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.L.SetContext(ctx)
	err := doWithRecovery(func() error { return s.L.DoString(code) })
	s.L.RemoveContext()
	if err != nil {
		s.L.Close()
		return nil, fmt.Errorf("load script %s: %w", name, err)
	}

	if fn := s.L.GetGlobal(EntryPoint); fn.Type() != lua.LTFunction {
		s.L.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrNoEntryPoint)
	}

	return s, nil
}

// Name returns the script name (its path for file scripts).
func (s *Script) Name() string {
	return s.name
}

// Run calls cleanup(text, info) and returns the resulting text.
func (s *Script) Run(ctx context.Context, text string, info Info) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	infoTbl := s.L.NewTable()
	infoTbl.RawSetString("path", lua.LString(info.Path))
	infoTbl.RawSetString("ext", lua.LString(info.Ext))
	infoTbl.RawSetString("auto_save", lua.LBool(info.AutoSave))

	var ret lua.LValue
	err := doWithRecovery(func() error {
		if err := s.L.CallByParam(lua.P{
			Fn:      s.L.GetGlobal(EntryPoint),
			NRet:    1,
			Protect: true,
		}, lua.LString(text), infoTbl); err != nil {
			return err
		}
		ret = s.L.Get(-1)
		s.L.Pop(1)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.name, err)
	}

	switch v := ret.(type) {
	case lua.LString:
		return string(v), nil
	case *lua.LNilType:
		return text, nil
	default:
		return "", fmt.Errorf("%s: %w (got %s)", s.name, ErrBadResult, ret.Type())
	}
}

// Close releases the Lua state. Safe to call more than once.
func (s *Script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}

// doWithRecovery executes fn, converting a Lua runtime panic to an error.
func doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}
