package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunTransformsText(t *testing.T) {
	s, err := LoadString("upper", `
		function cleanup(text, info)
			return string.upper(text)
		end
	`)
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	defer s.Close()

	got, err := s.Run(context.Background(), "abc", Info{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "ABC" {
		t.Errorf("Run() = %q, want %q", got, "ABC")
	}
}

func TestRunNilKeepsText(t *testing.T) {
	s, err := LoadString("nil", `function cleanup(text) return nil end`)
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	defer s.Close()

	got, err := s.Run(context.Background(), "keep", Info{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "keep" {
		t.Errorf("Run() = %q, want %q", got, "keep")
	}
}

func TestRunReceivesInfo(t *testing.T) {
	s, err := LoadString("info", `
		function cleanup(text, info)
			if info.auto_save then
				return text
			end
			return info.path .. "|" .. info.ext
		end
	`)
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	defer s.Close()

	got, _ := s.Run(context.Background(), "x", Info{Path: "/a/b.go", Ext: ".go"})
	if got != "/a/b.go|.go" {
		t.Errorf("Run() = %q", got)
	}
	got, _ = s.Run(context.Background(), "x", Info{AutoSave: true})
	if got != "x" {
		t.Errorf("Run(auto) = %q, want %q", got, "x")
	}
}

func TestTidyHelpers(t *testing.T) {
	s, err := LoadString("helpers", `
		function cleanup(text)
			local out = {}
			for _, line in ipairs(tidy.lines(text)) do
				table.insert(out, tidy.trim_right(tidy.replace(line, "foo", "bar")))
			end
			tidy.log("cleaned")
			return tidy.join(out, "\n")
		end
	`)
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	defer s.Close()

	got, err := s.Run(context.Background(), "foo  \nbaz\t", Info{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "bar\nbaz" {
		t.Errorf("Run() = %q, want %q", got, "bar\nbaz")
	}
}

func TestNoEntryPoint(t *testing.T) {
	_, err := LoadString("empty", `x = 1`)
	if err == nil {
		t.Fatal("LoadString() expected error")
	}
}

func TestSyntaxError(t *testing.T) {
	if _, err := LoadString("bad", `function cleanup(`); err == nil {
		t.Fatal("LoadString() expected syntax error")
	}
}

func TestBadResult(t *testing.T) {
	s, err := LoadString("num", `function cleanup() return 42 end`)
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Run(context.Background(), "x", Info{}); err == nil {
		t.Fatal("Run() expected ErrBadResult")
	}
}

func TestSandboxBlocksDangerousGlobals(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"dofile", `function cleanup() dofile("/etc/passwd") end`},
		{"loadstring", `function cleanup() loadstring("return 1")() end`},
		{"require", `function cleanup() require("os") end`},
		{"io", `function cleanup() io.open("/tmp/x") end`},
		{"os", `function cleanup() os.execute("true") end`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := LoadString(tt.name, tt.code)
			if err != nil {
				t.Fatalf("LoadString() error = %v", err)
			}
			defer s.Close()

			if _, err := s.Run(context.Background(), "x", Info{}); err == nil {
				t.Errorf("Run() with %s expected error", tt.name)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	s, err := LoadString("loop", `function cleanup() while true do end end`,
		WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	defer s.Close()

	start := time.Now()
	if _, err := s.Run(context.Background(), "x", Info{}); err == nil {
		t.Fatal("Run() expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run() took %v, timeout not enforced", elapsed)
	}
}

func TestClosed(t *testing.T) {
	s, err := LoadString("x", `function cleanup(t) return t end`)
	if err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}
	s.Close()
	s.Close()

	if _, err := s.Run(context.Background(), "x", Info{}); err != ErrClosed {
		t.Errorf("Run() after Close error = %v, want ErrClosed", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabs.lua")
	code := `function cleanup(text) return tidy.replace(text, "\t", "  ") end`
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer s.Close()

	if s.Name() != path {
		t.Errorf("Name() = %q, want %q", s.Name(), path)
	}
	got, _ := s.Run(context.Background(), "\tx", Info{})
	if got != "  x" {
		t.Errorf("Run() = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}
