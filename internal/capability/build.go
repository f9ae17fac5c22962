package capability

import (
	"fmt"
	"sort"
	"time"

	"lexline/internal/config"
)

// Build constructs a registry from the capabilities section of the config.
// Builtin entries are looked up in builtins; a builtin without an entry there
// is a configuration error.
func Build(cfg *config.Config, builtins map[Name]Provider) (*Registry, error) {
	providers := map[Name]Provider{}
	if cfg == nil {
		return NewRegistry(providers)
	}
	names := make([]string, 0, len(cfg.Capabilities))
	for n := range cfg.Capabilities {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, raw := range names {
		cc := cfg.Capabilities[raw]
		name, err := ParseName(raw)
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(cc.TimeoutSeconds) * time.Second
		switch cc.Kind {
		case config.KindBuiltin:
			p, ok := builtins[name]
			if !ok {
				return nil, fmt.Errorf("capability %s: no builtin provider", name)
			}
			providers[name] = p
		case config.KindHTTP:
			p := NewHTTPProvider(cc.URL, timeout)
			p.BearerToken = cc.BearerToken
			p.Headers = cc.Headers
			providers[name] = p
		case config.KindMCP:
			if len(cc.Command) > 0 {
				p, err := NewCommandMCPProvider(cc.Command, cc.Tool)
				if err != nil {
					return nil, fmt.Errorf("capability %s: %w", name, err)
				}
				providers[name] = p
			} else {
				providers[name] = NewHTTPMCPProvider(cc.URL, cc.Tool)
			}
		default:
			return nil, fmt.Errorf("capability %s: unknown kind %q", name, cc.Kind)
		}
	}
	return NewRegistry(providers)
}
