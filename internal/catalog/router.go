package catalog

import "strings"

// Target identifies the upstream and local (unqualified) name a routed
// call resolves to.
type Target struct {
	Upstream string
	Name     string
}

// ErrAmbiguous is returned by resolution when an unprefixed name matches
// more than one connected upstream (spec §3 "Routing rules").
type ErrAmbiguous struct {
	Name      string
	Upstreams []string
}

func (e *ErrAmbiguous) Error() string {
	return "ambiguous name " + e.Name + ": matches " + strings.Join(e.Upstreams, ", ")
}

// ErrNotFound is returned when a name or URI resolves to no known target.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string { return "unknown target: " + e.Name }

// splitQualified splits a namespaced tool/prompt name on its first "."
// (spec §3: "split on the first '.'"). ok is false if name carries no
// separator.
func splitQualified(name string) (upstreamName, local string, ok bool) {
	idx := strings.Index(name, Separator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// splitResourceURI splits a namespaced resource URI on its first "://"
// (spec §3: "split on the first scheme separator").
func splitResourceURI(uri string) (upstreamName, localURI string, ok bool) {
	idx := strings.Index(uri, ResourceSeparator)
	if idx < 0 {
		return "", "", false
	}
	return uri[:idx], uri[idx+len(ResourceSeparator):], true
}

// ResolveTool resolves a (possibly namespaced) requested tool name to its
// owning upstream and local name. An unprefixed name that exactly matches
// exactly one upstream's tool routes there; matching more than one is
// ErrAmbiguous; matching none is ErrNotFound (spec §3 "Routing rules").
func (c *Catalog) ResolveTool(requested string) (Target, error) {
	if upstreamName, local, ok := splitQualified(requested); ok {
		if _, exists := c.pool.Get(upstreamName); exists {
			return Target{Upstream: upstreamName, Name: local}, nil
		}
		// Not a real upstream prefix (e.g. a tool name that itself
		// contains a dot); fall through to unprefixed resolution below.
	}
	return c.resolveUnprefixedTool(requested)
}

func (c *Catalog) resolveUnprefixedTool(requested string) (Target, error) {
	var matches []string
	for name, u := range c.pool.All() {
		for _, t := range u.Catalog().Tools {
			if t.Name == requested {
				matches = append(matches, name)
				break
			}
		}
	}
	switch len(matches) {
	case 0:
		return Target{}, &ErrNotFound{Name: requested}
	case 1:
		return Target{Upstream: matches[0], Name: requested}, nil
	default:
		return Target{}, &ErrAmbiguous{Name: requested, Upstreams: matches}
	}
}

// ResolvePrompt mirrors ResolveTool for prompts.
func (c *Catalog) ResolvePrompt(requested string) (Target, error) {
	if upstreamName, local, ok := splitQualified(requested); ok {
		if _, exists := c.pool.Get(upstreamName); exists {
			return Target{Upstream: upstreamName, Name: local}, nil
		}
	}
	return c.resolveUnprefixedPrompt(requested)
}

func (c *Catalog) resolveUnprefixedPrompt(requested string) (Target, error) {
	var matches []string
	for name, u := range c.pool.All() {
		for _, p := range u.Catalog().Prompts {
			if p.Name == requested {
				matches = append(matches, name)
				break
			}
		}
	}
	switch len(matches) {
	case 0:
		return Target{}, &ErrNotFound{Name: requested}
	case 1:
		return Target{Upstream: matches[0], Name: requested}, nil
	default:
		return Target{}, &ErrAmbiguous{Name: requested, Upstreams: matches}
	}
}

// ResolveResource resolves a namespaced resource URI ("<upstream>://<uri>")
// to its owning upstream and the upstream-local URI. Unlike tools and
// prompts, resources always carry an explicit upstream prefix — an
// upstream name is required before a resource's own scheme (spec §3).
func (c *Catalog) ResolveResource(requested string) (Target, error) {
	upstreamName, local, ok := splitResourceURI(requested)
	if !ok {
		return Target{}, &ErrNotFound{Name: requested}
	}
	if _, exists := c.pool.Get(upstreamName); !exists {
		return Target{}, &ErrNotFound{Name: requested}
	}
	return Target{Upstream: upstreamName, Name: local}, nil
}
