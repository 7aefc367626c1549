// Package locator resolves the helper executable that performs account setup
// for a provider.
package locator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultPluginDir is searched when no directories are configured.
	DefaultPluginDir = "/usr/lib/AccountSetup"

	// GenericPluginName is the fallback used when a provider does not declare
	// a plugin of its own.
	GenericPluginName = "generic"

	pluginSuffix = "plugin"
)

var ErrNotFound = errors.New("plugin not found")

// Provider is the part of a provider record the locator needs.
type Provider interface {
	Name() string
	DeclaredPluginName() string
}

// Registration is a resolved helper executable.
type Registration struct {
	// Path is the absolute path of the executable.
	Path string
	// Name is the matched candidate file name, e.g. "NutProviderplugin".
	Name string
}

// Locator searches an ordered list of directories for helper executables.
type Locator struct {
	dirs []string
}

// New returns a Locator searching dirs in order. With no dirs it searches
// DefaultPluginDir.
func New(dirs ...string) *Locator {
	if len(dirs) == 0 {
		dirs = []string{DefaultPluginDir}
	}
	return &Locator{dirs: append([]string(nil), dirs...)}
}

// Dirs returns the configured search path.
func (l *Locator) Dirs() []string {
	return append([]string(nil), l.dirs...)
}

// FileName returns the executable name for a plugin name.
func FileName(pluginName string) string {
	return pluginName + pluginSuffix
}

// Candidates returns the executable names tried for p, in order. The generic
// fallback is only added when the provider declares no plugin.
func Candidates(p Provider) []string {
	if declared := p.DeclaredPluginName(); declared != "" {
		return []string{FileName(declared)}
	}
	return []string{FileName(p.Name()), FileName(GenericPluginName)}
}

// Resolve returns the first candidate found. Names are tried in order and,
// for each name, directories in configured order.
func (l *Locator) Resolve(p Provider) (Registration, error) {
	if p == nil {
		return Registration{}, fmt.Errorf("%w: no provider", ErrNotFound)
	}

	names := Candidates(p)
	for _, name := range names {
		for _, dir := range l.dirs {
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			return Registration{Path: path, Name: name}, nil
		}
	}

	return Registration{}, fmt.Errorf("%w: %s (tried %v in %v)", ErrNotFound, p.Name(), names, l.dirs)
}
