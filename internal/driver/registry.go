package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	engines    = make(map[string]Engine)
)

// Register adds an engine to the global registry under its name and aliases.
// Panics if any of them is already taken.
func Register(e Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := strings.ToLower(e.Name())
	if _, exists := engines[name]; exists {
		panic(fmt.Sprintf("browser engine %q already registered", name))
	}
	engines[name] = e

	for _, alias := range e.Aliases() {
		alias = strings.ToLower(alias)
		if _, exists := engines[alias]; exists {
			panic(fmt.Sprintf("browser engine alias %q already registered", alias))
		}
		engines[alias] = e
	}
}

// Get retrieves an engine by name or alias (case-insensitive).
func Get(nameOrAlias string) (Engine, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	e, exists := engines[strings.ToLower(nameOrAlias)]
	if !exists {
		return nil, fmt.Errorf("unknown browser engine: %q (available: %v)", nameOrAlias, available())
	}
	return e, nil
}

// Available returns the primary names of all registered engines, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return available()
}

func available() []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range engines {
		name := strings.ToLower(e.Name())
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
