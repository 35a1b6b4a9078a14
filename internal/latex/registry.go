package latex

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Workspace layout shared by the engine and the container.
const (
	SourceFile = "document.tex"
	OutputFile = "document.pdf"
	MountPath  = "/data"
)

// Engine names.
const (
	EnginePDFLaTeX = "pdflatex"
	EngineXeLaTeX  = "xelatex"
	EngineLuaLaTeX = "lualatex"
	EngineAuto     = "auto"
)

// autoRouting maps locale languages that pdflatex cannot typeset with its
// default font setup to a unicode-native engine. Anything else uses pdflatex.
var autoRouting = map[string]string{
	"zh": EngineXeLaTeX,
	"ja": EngineXeLaTeX,
	"ko": EngineXeLaTeX,
	"ar": EngineXeLaTeX,
	"he": EngineXeLaTeX,
	"fa": EngineXeLaTeX,
	"hi": EngineXeLaTeX,
	"th": EngineXeLaTeX,
	"ru": EngineXeLaTeX,
	"uk": EngineXeLaTeX,
	"el": EngineXeLaTeX,
}

// Engine is one TeX engine binary available in the compiler image.
type Engine struct {
	Name   string `json:"name"`
	Binary string `json:"binary"`
}

// Command returns the non-interactive, halt-on-error invocation that compiles
// SourceFile into MountPath.
func (e Engine) Command() []string {
	return []string{
		e.Binary,
		"-interaction=nonstopmode",
		"-halt-on-error",
		"-no-shell-escape",
		"-output-directory=" + MountPath,
		SourceFile,
	}
}

// Registry holds the available engines and resolves which one compiles a
// given request.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
	}
}

// DefaultRegistry returns a registry holding the engines shipped in the
// TeX Live images.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Engine{Name: EnginePDFLaTeX, Binary: "pdflatex"})
	r.Register(Engine{Name: EngineXeLaTeX, Binary: "xelatex"})
	r.Register(Engine{Name: EngineLuaLaTeX, Binary: "lualatex"})
	return r
}

// Register adds an engine to the registry under its name.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name] = e
}

// Resolve returns the engine to use. If name is "auto" or empty, the locale's
// language picks it via autoRouting.
func (r *Registry) Resolve(name, locale string) (Engine, error) {
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" || target == EngineAuto {
		target = EnginePDFLaTeX
		if routed, ok := autoRouting[Language(locale)]; ok {
			target = routed
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[target]
	if !ok {
		return Engine{}, fmt.Errorf("engine %q is not registered", target)
	}
	return e, nil
}

// List returns all registered engines sorted by name.
func (r *Registry) List() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engines := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool {
		return engines[i].Name < engines[j].Name
	})
	return engines
}

// Language extracts the lowercase primary language subtag from a locale tag
// such as "es-ES", "zh_Hans_CN" or "EN".
func Language(locale string) string {
	tag := strings.TrimSpace(locale)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
