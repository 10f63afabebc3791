package endpoint

import (
	"fmt"
	"log/slog"
)

// Route is one route fragment contributed by a module manifest. Type
// and Auth are the declared protocol ("form", "rpc", "json", "none")
// and access level ("none", "user"); the router compiles them into its
// rule table.
type Route struct {
	Pattern     string
	Methods     []string
	Type        string
	Auth        string
	Readonly    bool
	CORS        string
	CSRF        bool
	StrictSlash bool
	System      bool

	// MaxBody caps the request body for this route. MaxBodyFunc takes
	// precedence when set, so a controller can size the cap at call
	// time.
	MaxBody     int64
	MaxBodyFunc func() int64

	Endpoint *Endpoint
}

// Manifest declares one module's routes and the modules it depends on.
type Manifest struct {
	Module  string
	Depends []string
	Routes  []Route
}

// Registry accumulates manifests and composes them into a flat route
// list in dependency order.
type Registry struct {
	logger    *slog.Logger
	manifests []Manifest
	byName    map[string]int
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, byName: make(map[string]int)}
}

// Register adds a manifest. Module names are unique.
func (rg *Registry) Register(m Manifest) error {
	if m.Module == "" {
		return fmt.Errorf("manifest without module name")
	}
	if _, dup := rg.byName[m.Module]; dup {
		return fmt.Errorf("module %q registered twice", m.Module)
	}
	rg.byName[m.Module] = len(rg.manifests)
	rg.manifests = append(rg.manifests, m)
	return nil
}

// Compose orders manifests so each module follows its dependencies,
// then flattens routes. A later module re-declaring a pattern replaces
// the earlier route; a protocol type change on override is logged.
func (rg *Registry) Compose() ([]Route, error) {
	ordered, err := rg.order()
	if err != nil {
		return nil, err
	}

	byPattern := make(map[string]int)
	var out []Route
	for _, m := range ordered {
		for _, r := range m.Routes {
			prev, seen := byPattern[r.Pattern]
			if !seen {
				byPattern[r.Pattern] = len(out)
				out = append(out, r)
				continue
			}
			if out[prev].Type != r.Type {
				rg.logger.Warn("route override changes protocol type",
					"pattern", r.Pattern,
					"module", m.Module,
					"old_type", out[prev].Type,
					"new_type", r.Type)
			}
			out[prev] = r
		}
	}
	return out, nil
}

// order performs a stable topological sort over Depends. Registration
// order breaks ties so composition is deterministic.
func (rg *Registry) order() ([]Manifest, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(rg.manifests))
	var out []Manifest

	var visit func(name string) error
	visit = func(name string) error {
		idx, ok := rg.byName[name]
		if !ok {
			return fmt.Errorf("unknown module dependency %q", name)
		}
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through module %q", name)
		}
		state[name] = visiting
		for _, dep := range rg.manifests[idx].Depends {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		out = append(out, rg.manifests[idx])
		return nil
	}

	for _, m := range rg.manifests {
		if err := visit(m.Module); err != nil {
			return nil, err
		}
	}
	return out, nil
}
