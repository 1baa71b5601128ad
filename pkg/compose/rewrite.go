package compose

import (
	"sort"
	"strings"
)

// PrefixServices renames every service S to <prefix>_S and updates
// cross-service references: depends_on (list and mapping forms), links,
// network_mode "service:S", and extends.service. Idempotent for an empty
// prefix; distinct names stay distinct.
func (s *Stack) PrefixServices(prefix string) {
	if prefix == "" {
		return
	}
	svcs := s.Services()

	rename := make(map[string]string, len(svcs))
	for name := range svcs {
		rename[name] = prefix + "_" + name
	}

	renamed := make(map[string]any, len(svcs))
	for name, body := range svcs {
		renamed[rename[name]] = body
	}
	s.doc["services"] = renamed

	for _, body := range renamed {
		m, ok := body.(map[string]any)
		if !ok {
			continue
		}
		rewriteServiceRefs(m, func(ref string) string {
			if newName, ok := rename[ref]; ok {
				return newName
			}
			return ref
		})
	}
}

// ExcludeServices drops services whose original (un-prefixed) name appears in
// excluded, then prunes depends_on entries pointing at removed services.
// prefix is the services prefix already applied, if any. Returns the dropped
// effective service names, sorted.
func (s *Stack) ExcludeServices(excluded []string, prefix string) []string {
	if len(excluded) == 0 {
		return nil
	}
	svcs := s.Services()

	effective := func(original string) string {
		if prefix == "" {
			return original
		}
		return prefix + "_" + original
	}

	var dropped []string
	for _, original := range excluded {
		name := effective(original)
		if _, ok := svcs[name]; ok {
			delete(svcs, name)
			dropped = append(dropped, name)
		}
	}
	sort.Strings(dropped)

	removed := make(map[string]bool, len(dropped))
	for _, name := range dropped {
		removed[name] = true
	}
	for _, body := range svcs {
		m, ok := body.(map[string]any)
		if !ok {
			continue
		}
		pruneDependsOn(m, removed)
	}
	return dropped
}

// ExcludeVolumes drops the named top-level volumes and removes mount entries
// of each remaining service that reference a removed volume. Returns the
// dropped volume names, sorted.
func (s *Stack) ExcludeVolumes(excluded []string) []string {
	if len(excluded) == 0 {
		return nil
	}

	vols, _ := s.doc["volumes"].(map[string]any)
	var dropped []string
	for _, name := range excluded {
		if vols != nil {
			if _, ok := vols[name]; ok {
				delete(vols, name)
				dropped = append(dropped, name)
				continue
			}
		}
		// A volume can be excluded even when not declared at top level.
		dropped = append(dropped, name)
	}
	sort.Strings(dropped)

	removed := make(map[string]bool, len(dropped))
	for _, name := range dropped {
		removed[name] = true
	}

	for _, body := range s.Services() {
		m, ok := body.(map[string]any)
		if !ok {
			continue
		}
		mounts, ok := m["volumes"].([]any)
		if !ok {
			continue
		}
		kept := mounts[:0]
		for _, mount := range mounts {
			if !mountReferences(mount, removed) {
				kept = append(kept, mount)
			}
		}
		if len(kept) == 0 {
			delete(m, "volumes")
		} else {
			m["volumes"] = append([]any{}, kept...)
		}
	}
	return dropped
}

// mountReferences reports whether a service volume entry (short "src:dst"
// string or long mapping form) references one of the removed named volumes.
func mountReferences(mount any, removed map[string]bool) bool {
	switch t := mount.(type) {
	case string:
		source, _, _ := strings.Cut(t, ":")
		return removed[source]
	case map[string]any:
		source, _ := t["source"].(string)
		return removed[source]
	}
	return false
}

// StripBuild removes the build section of every service; build contexts are
// meaningless in a deployed stack.
func (s *Stack) StripBuild() {
	for _, body := range s.Services() {
		if m, ok := body.(map[string]any); ok {
			delete(m, "build")
		}
	}
}

// NormalizeExtraHosts rewrites the degenerate mapping form {"": ""} of
// extra_hosts, produced by some compose generators, into an empty list.
func (s *Stack) NormalizeExtraHosts() {
	for _, body := range s.Services() {
		m, ok := body.(map[string]any)
		if !ok {
			continue
		}
		hosts, ok := m["extra_hosts"].(map[string]any)
		if !ok || len(hosts) != 1 {
			continue
		}
		if v, present := hosts[""]; present && (v == "" || v == nil) {
			m["extra_hosts"] = []any{}
		}
	}
}

// MergeParameters deep-merges the additional-parameters overlay into every
// service. Merge policy: mappings merge key-wise with the overlay winning,
// sequences are replaced by the overlay unless the overlay is empty, scalars
// replace. Nil overlay values are ignored.
func (s *Stack) MergeParameters(params map[string]any) {
	if len(params) == 0 {
		return
	}
	for _, name := range s.ServiceNames() {
		body := s.serviceBody(name)
		for key, overlay := range params {
			if overlay == nil {
				continue
			}
			body[key] = mergeValue(body[key], overlay)
		}
	}
}

func mergeValue(existing, overlay any) any {
	switch o := overlay.(type) {
	case map[string]any:
		e, ok := existing.(map[string]any)
		if !ok {
			return o
		}
		for k, v := range o {
			e[k] = mergeValue(e[k], v)
		}
		return e
	case []any:
		if len(o) == 0 && existing != nil {
			return existing
		}
		return o
	default:
		return o
	}
}

// rewriteServiceRefs applies rename to every cross-service reference inside
// one service body.
func rewriteServiceRefs(body map[string]any, rename func(string) string) {
	switch deps := body["depends_on"].(type) {
	case []any:
		for i, dep := range deps {
			if name, ok := dep.(string); ok {
				deps[i] = rename(name)
			}
		}
	case map[string]any:
		renamed := make(map[string]any, len(deps))
		for name, cond := range deps {
			renamed[rename(name)] = cond
		}
		body["depends_on"] = renamed
	}

	if links, ok := body["links"].([]any); ok {
		for i, link := range links {
			name, ok := link.(string)
			if !ok {
				continue
			}
			// links entries are "service" or "service:alias"
			svc, alias, hasAlias := strings.Cut(name, ":")
			if hasAlias {
				links[i] = rename(svc) + ":" + alias
			} else {
				links[i] = rename(svc)
			}
		}
	}

	if mode, ok := body["network_mode"].(string); ok {
		if svc, found := strings.CutPrefix(mode, "service:"); found {
			body["network_mode"] = "service:" + rename(svc)
		}
	}

	if ext, ok := body["extends"].(map[string]any); ok {
		if svc, ok := ext["service"].(string); ok {
			ext["service"] = rename(svc)
		}
	}
}

// pruneDependsOn removes depends_on entries pointing at removed services,
// deleting the key entirely when nothing remains.
func pruneDependsOn(body map[string]any, removed map[string]bool) {
	switch deps := body["depends_on"].(type) {
	case []any:
		kept := make([]any, 0, len(deps))
		for _, dep := range deps {
			if name, ok := dep.(string); ok && removed[name] {
				continue
			}
			kept = append(kept, dep)
		}
		if len(kept) == 0 {
			delete(body, "depends_on")
		} else {
			body["depends_on"] = kept
		}
	case map[string]any:
		for name := range deps {
			if removed[name] {
				delete(deps, name)
			}
		}
		if len(deps) == 0 {
			delete(body, "depends_on")
		}
	}
}
