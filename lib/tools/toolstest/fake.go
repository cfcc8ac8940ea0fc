// Package toolstest provides a scripted tools.Runner for tests.
package toolstest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kdomanski/iso9660"
	"github.com/kernel/vmagent/lib/tools"
)

// Handler emulates one tool invocation.
type Handler func(ctx context.Context, args []string) ([]byte, error)

// Call records one invocation.
type Call struct {
	Tool string
	Args []string
}

// FakeRunner dispatches invocations to per-tool handlers and records every call.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]Handler
	missing  map[string]bool
	calls    []Call
	sizes    map[string]uint64
}

var _ tools.Runner = (*FakeRunner)(nil)

// New returns an empty FakeRunner; unknown tools behave as missing.
func New() *FakeRunner {
	return &FakeRunner{
		handlers: make(map[string]Handler),
		missing:  make(map[string]bool),
		sizes:    make(map[string]uint64),
	}
}

// Handle installs a handler for tool.
func (f *FakeRunner) Handle(tool string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[tool] = h
	delete(f.missing, tool)
}

// SetMissing makes LookPath fail for the given tools.
func (f *FakeRunner) SetMissing(toolNames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range toolNames {
		f.missing[t] = true
	}
}

// Fail makes every invocation of tool exit with code.
func (f *FakeRunner) Fail(tool string, code int, output string) {
	f.Handle(tool, func(context.Context, []string) ([]byte, error) {
		return nil, &tools.ToolError{Tool: tool, ExitCode: code, Output: output}
	})
}

// FailSubcommand makes invocations of tool whose first argument is sub exit with code,
// delegating everything else to the current handler.
func (f *FakeRunner) FailSubcommand(tool, sub string, code int) {
	f.mu.Lock()
	prev := f.handlers[tool]
	f.mu.Unlock()
	f.Handle(tool, func(ctx context.Context, args []string) ([]byte, error) {
		if len(args) > 0 && args[0] == sub {
			return nil, &tools.ToolError{Tool: tool, ExitCode: code}
		}
		if prev == nil {
			return nil, nil
		}
		return prev(ctx, args)
	})
}

func (f *FakeRunner) LookPath(tool string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[tool]; !ok || f.missing[tool] {
		return "", fmt.Errorf("%w: %s", tools.ErrToolUnavailable, tool)
	}
	return "/usr/bin/" + tool, nil
}

func (f *FakeRunner) Run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	if _, err := f.LookPath(tool); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, Call{Tool: tool, Args: append([]string(nil), args...)})
	h := f.handlers[tool]
	f.mu.Unlock()
	return h(ctx, args)
}

// Calls returns the recorded invocations of tool, or all invocations when tool is empty.
func (f *FakeRunner) Calls(tool string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if tool == "" || c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// VirtualSize returns the virtual size the qemu-img emulation tracks for path.
func (f *FakeRunner) VirtualSize(path string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[path]
}

// SetVirtualSize seeds the qemu-img emulation with a known image size.
func (f *FakeRunner) SetVirtualSize(path string, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes[path] = size
}

// EmulateQemuImg installs a qemu-img handler supporting convert, resize, create and info.
// convert copies the source file byte for byte; sizes are tracked in memory.
func (f *FakeRunner) EmulateQemuImg() {
	f.Handle("qemu-img", func(_ context.Context, args []string) ([]byte, error) {
		if len(args) == 0 {
			return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1}
		}
		positional := positionalArgs(args[1:])
		switch args[0] {
		case "convert":
			if len(positional) != 2 {
				return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: "bad convert args"}
			}
			src, dst := positional[0], positional[1]
			if err := copyFile(src, dst); err != nil {
				return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: err.Error()}
			}
			f.mu.Lock()
			f.sizes[dst] = f.sizes[src]
			f.mu.Unlock()
		case "resize":
			if len(positional) != 2 {
				return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: "bad resize args"}
			}
			size, err := parseGiB(positional[1])
			if err != nil {
				return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: err.Error()}
			}
			f.mu.Lock()
			f.sizes[positional[0]] = size
			f.mu.Unlock()
		case "create":
			if len(positional) != 2 {
				return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: "bad create args"}
			}
			size, err := parseGiB(positional[1])
			if err != nil {
				return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: err.Error()}
			}
			if err := os.WriteFile(positional[0], []byte("QFI\xfb"), 0644); err != nil {
				return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: err.Error()}
			}
			f.mu.Lock()
			f.sizes[positional[0]] = size
			f.mu.Unlock()
		case "info":
			if len(positional) != 1 {
				return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: "bad info args"}
			}
			f.mu.Lock()
			size := f.sizes[positional[0]]
			f.mu.Unlock()
			return json.Marshal(map[string]any{"virtual-size": size, "format": "qcow2"})
		default:
			return nil, &tools.ToolError{Tool: "qemu-img", ExitCode: 1, Output: "unknown subcommand"}
		}
		return nil, nil
	})
}

// EmulateISOAuthoring installs a handler for tool (genisoimage or mkisofs) that writes a
// real ISO-9660 image holding the listed files under the requested volume id.
func (f *FakeRunner) EmulateISOAuthoring(tool string) {
	f.Handle(tool, func(_ context.Context, args []string) ([]byte, error) {
		var output, volid string
		var files []string
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "-output", "-o":
				i++
				output = args[i]
			case "-volid", "-V":
				i++
				volid = args[i]
			case "-joliet", "-rock", "-J", "-r":
			default:
				files = append(files, args[i])
			}
		}
		if output == "" {
			return nil, &tools.ToolError{Tool: tool, ExitCode: 1, Output: "missing -output"}
		}
		if err := writeISO(output, volid, files); err != nil {
			return nil, &tools.ToolError{Tool: tool, ExitCode: 1, Output: err.Error()}
		}
		return nil, nil
	})
}

// EmulateOpenSSL installs an openssl handler whose "passwd -6" prints a fixed crypt string.
// Like openssl, a password starting with "-" is rejected as an unknown option unless it
// follows "--".
func (f *FakeRunner) EmulateOpenSSL() {
	f.Handle("openssl", func(_ context.Context, args []string) ([]byte, error) {
		if len(args) < 3 || args[0] != "passwd" || args[1] != "-6" {
			return nil, &tools.ToolError{Tool: "openssl", ExitCode: 1}
		}
		rest := args[2:]
		if rest[0] == "--" {
			rest = rest[1:]
		} else if strings.HasPrefix(rest[0], "-") {
			return nil, &tools.ToolError{Tool: "openssl", ExitCode: 1, Output: "passwd: Unknown option: " + rest[0]}
		}
		if len(rest) != 1 {
			return nil, &tools.ToolError{Tool: "openssl", ExitCode: 1}
		}
		return []byte("$6$fakesalt$" + strconv.Itoa(len(rest[0])) + "hashed\n"), nil
	})
}

func writeISO(output, volid string, files []string) error {
	w, err := iso9660.NewWriter()
	if err != nil {
		return err
	}
	defer w.Cleanup()

	for _, path := range files {
		fh, err := os.Open(path)
		if err != nil {
			return err
		}
		err = w.AddFile(fh, filepath.Base(path))
		fh.Close()
		if err != nil {
			return err
		}
	}

	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	return w.WriteTo(out, volid)
}

func positionalArgs(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			// -O/-f take a separate value, --output=json does not
			if !strings.Contains(args[i], "=") {
				i++
			}
			continue
		}
		out = append(out, args[i])
	}
	return out
}

func parseGiB(s string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSuffix(s, "G"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n << 30, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
