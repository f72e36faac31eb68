package llm

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jllopis/synod/pkg/config"
)

// Factory builds a backend from the llm section.
type Factory func(cfg config.LLMConfig) (Generator, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available to FromConfig under name. The hosted
// providers under providers/ register themselves from init, so a program
// selects one by importing it for its side effects:
//
//	import _ "github.com/jllopis/synod/providers/openai"
//
// Register panics when name is taken or f is nil.
func Register(name string, f Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("llm: Register factory is nil")
	}
	if _, dup := factories[name]; dup || isBuiltin(name) {
		panic("llm: Register called twice for backend " + name)
	}
	factories[name] = f
}

// Backends lists the names FromConfig accepts.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := []string{"echo", BackendOllama}
	for name := range factories {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func isBuiltin(name string) bool {
	switch name {
	case "", BackendScripted, "echo", BackendOllama:
		return true
	}
	return false
}

// FromConfig builds the backend named by llm.provider.
func FromConfig(cfg config.LLMConfig) (Generator, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch name {
	case "", BackendScripted, "echo":
		return NewEcho(), nil
	case BackendOllama:
		return NewOllama(cfg.BaseURL, cfg.Model), nil
	}
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported llm provider %q (available: %s)", cfg.Provider, strings.Join(Backends(), ", "))
	}
	return f(cfg)
}
