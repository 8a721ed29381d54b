package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
)

// compiled programs are runtime-independent and shared by every sandbox in the
// process; module instances are not and live in each runtime's registry.
var programs = struct {
	sync.Mutex
	byPath map[string]cachedProgram
}{byPath: make(map[string]cachedProgram)}

type cachedProgram struct {
	modTime time.Time
	size    int64
	program *goja.Program
}

// modules is the CommonJS registry of one runtime.
type modules struct {
	vm    *goja.Runtime
	cache map[string]*goja.Object // resolved filename -> module object
}

func newModules(vm *goja.Runtime) *modules {
	return &modules{vm: vm, cache: make(map[string]*goja.Object)}
}

// requireFunc returns a require bound to dir, for resolving relative specifiers.
func (m *modules) requireFunc(dir string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		target := call.Argument(0).String()
		exports, err := m.require(target, dir)
		if err != nil {
			panic(rethrow(m.vm, err))
		}
		return exports
	}
}

// require loads target relative to dir and returns its module.exports.
func (m *modules) require(target, dir string) (goja.Value, error) {
	filename, err := resolve(target, dir)
	if err != nil {
		return nil, err
	}
	if mod, ok := m.cache[filename]; ok {
		return mod.Get("exports"), nil
	}

	module := m.vm.NewObject()
	exports := m.vm.NewObject()
	_ = module.Set("exports", exports)
	_ = module.Set("id", filename)
	_ = module.Set("filename", filename)

	// Registered before evaluation so circular requires see partial exports.
	m.cache[filename] = module

	if err := m.load(filename, module, exports); err != nil {
		delete(m.cache, filename)
		return nil, err
	}
	return module.Get("exports"), nil
}

func (m *modules) load(filename string, module, exports *goja.Object) error {
	if strings.HasSuffix(filename, ".json") {
		src, err := os.ReadFile(filename)
		if err != nil {
			return err
		}
		var v any
		if err := sonic.Unmarshal(src, &v); err != nil {
			return fmt.Errorf("%s: %w", filename, err)
		}
		return module.Set("exports", m.vm.ToValue(v))
	}

	program, err := compile(filename)
	if err != nil {
		return err
	}
	entry, err := m.vm.RunProgram(program)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(entry)
	if !ok {
		return fmt.Errorf("%s: module wrapper is not a function", filename)
	}

	dir := filepath.Dir(filename)
	_, err = fn(
		exports,
		exports,
		m.vm.ToValue(m.requireFunc(dir)),
		module,
		m.vm.ToValue(filename),
		m.vm.ToValue(dir),
	)
	return err
}

// compile wraps a CommonJS source file and caches the program until the file changes.
func compile(filename string) (*goja.Program, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}

	programs.Lock()
	cached, ok := programs.byPath[filename]
	programs.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.program, nil
	}

	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	wrapped := "(function(exports, require, module, __filename, __dirname) {" + string(src) + "\n})"
	parsed, err := goja.Parse(filename, wrapped, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, err
	}
	program, err := goja.CompileAST(parsed, false)
	if err != nil {
		return nil, err
	}

	programs.Lock()
	programs.byPath[filename] = cachedProgram{modTime: info.ModTime(), size: info.Size(), program: program}
	programs.Unlock()
	return program, nil
}

// resolve maps a require specifier to a file on disk.
func resolve(target, dir string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("cannot find module ''")
	}

	switch {
	case filepath.IsAbs(target):
		if f, ok := resolveFile(target); ok {
			return f, nil
		}
	case strings.HasPrefix(target, "./"), strings.HasPrefix(target, "../"), target == ".", target == "..":
		if f, ok := resolveFile(filepath.Join(dir, target)); ok {
			return f, nil
		}
	default:
		for d := dir; ; d = filepath.Dir(d) {
			if f, ok := resolveFile(filepath.Join(d, "node_modules", target)); ok {
				return f, nil
			}
			if parent := filepath.Dir(d); parent == d {
				break
			}
		}
	}
	return "", fmt.Errorf("cannot find module '%s'", target)
}

func resolveFile(base string) (string, bool) {
	for _, candidate := range []string{base, base + ".js", base + ".json"} {
		if isFile(candidate) {
			return candidate, true
		}
	}
	if main, ok := packageMain(base); ok && filepath.Clean(main) != "." {
		if f, ok := resolveFile(filepath.Join(base, main)); ok {
			return f, true
		}
	}
	if index := filepath.Join(base, "index.js"); isFile(index) {
		return index, true
	}
	return "", false
}

func packageMain(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return "", false
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := sonic.Unmarshal(data, &pkg); err != nil || pkg.Main == "" {
		return "", false
	}
	return pkg.Main, true
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
