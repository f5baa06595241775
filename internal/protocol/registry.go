package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Kind is the value type of a command parameter.
type Kind int

const (
	KindInt Kind = iota + 1
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Param declares one command parameter.
type Param struct {
	Name     string
	Kind     Kind
	Required bool
	// Min is the smallest accepted integer value when non-zero.
	Min int64
}

// Spec declares a command name and its parameters.
type Spec struct {
	Name   Name
	Params []Param
}

var (
	registryMu sync.RWMutex
	registry   = map[Name]Spec{}
)

func init() {
	mustRegister(Spec{
		Name:   NameWake,
		Params: []Param{{Name: ParamSeconds, Kind: KindInt, Required: true, Min: 1}},
	})
	mustRegister(Spec{Name: NameSleep})
}

// Register adds a command to the recognized set. Re-registering a name replaces it.
func Register(spec Spec) error {
	if spec.Name == "" {
		return errors.New("command name must not be empty")
	}
	seen := make(map[string]struct{}, len(spec.Params))
	for _, p := range spec.Params {
		if p.Name == "" {
			return fmt.Errorf("command %q: parameter name must not be empty", spec.Name)
		}
		if p.Name == keyID || p.Name == keyCommand {
			return fmt.Errorf("command %q: parameter name %q is reserved", spec.Name, p.Name)
		}
		if p.Kind != KindInt && p.Kind != KindString {
			return fmt.Errorf("command %q: parameter %q has unknown kind", spec.Name, p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("command %q: duplicate parameter %q", spec.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	registry[spec.Name] = spec
	return nil
}

func mustRegister(spec Spec) {
	if err := Register(spec); err != nil {
		panic(err)
	}
}

// Lookup returns the registered spec for name.
func Lookup(name Name) (Spec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	spec, ok := registry[name]
	return spec, ok
}

// Names lists registered command names in sorted order.
func Names() []Name {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]Name, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Validate checks cmd against its registered spec.
func Validate(cmd Command) error {
	spec, ok := Lookup(cmd.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Name)
	}

	declared := make(map[string]Param, len(spec.Params))
	for _, p := range spec.Params {
		declared[p.Name] = p
	}
	for key := range cmd.Params {
		if _, ok := declared[key]; !ok {
			return fmt.Errorf("%w: %s does not accept %q", ErrInvalidParams, cmd.Name, key)
		}
	}

	for _, p := range spec.Params {
		v, present := cmd.Params[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("%w: %s requires %q", ErrInvalidParams, cmd.Name, p.Name)
			}
			continue
		}
		switch p.Kind {
		case KindInt:
			n, ok := asInt(v)
			if !ok {
				return fmt.Errorf("%w: %s.%s must be an integer", ErrInvalidParams, cmd.Name, p.Name)
			}
			if p.Min != 0 && n < p.Min {
				return fmt.Errorf("%w: %s.%s must be >= %d", ErrInvalidParams, cmd.Name, p.Name, p.Min)
			}
		case KindString:
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%w: %s.%s must be a string", ErrInvalidParams, cmd.Name, p.Name)
			}
		}
	}
	return nil
}
