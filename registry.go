package yate

import (
	"regexp"
	"sync"
)

// registryKey identifies one installed handler, watcher, or setlocal row
// (spec §3 "Keyed by (name, filterName, filterValue)").
type registryKey struct {
	name        string
	filterName  string
	filterValue string
}

// installEntry is one row of the install table.
type installEntry struct {
	key      registryKey
	priority int
	filter   *regexp.Regexp // nil when filterName is empty
	handler  Handler
}

// watchEntry is one row of the watch table (no priority).
type watchEntry struct {
	key     registryKey
	filter  *regexp.Regexp
	handler Watcher
}

// setlocalEntry records the last known value of one setlocal name, used
// to re-push configuration after reconnect (spec §3 "Setlocal entry").
type setlocalEntry struct {
	name  string
	value string
}

// registry holds the authoritative, engine-independent view of what this
// client has asked the engine to do: installed handlers, watchers, and
// setlocal values. It is replayed verbatim after every reconnect (spec
// invariant iv). Grounded on the concurrency shape of
// _examples/Atsika-aznet/aznet.go (mutex-protected maps mutated only from
// well-defined entry points), generalized from connection-scoped state
// to per-name message-routing state.
type registry struct {
	mu sync.RWMutex

	installs map[registryKey]*installEntry
	watches  map[registryKey]*watchEntry
	setlocal map[string]*setlocalEntry

	// filterCache avoids recompiling the same regular expression for
	// repeated install/watch calls against the same filterValue; not in
	// the literal spec text, but a natural extension of the registry's
	// job of remembering state across calls.
	filterCache map[string]*regexp.Regexp
}

func newRegistry() *registry {
	return &registry{
		installs:    make(map[registryKey]*installEntry),
		watches:     make(map[registryKey]*watchEntry),
		setlocal:    make(map[string]*setlocalEntry),
		filterCache: make(map[string]*regexp.Regexp),
	}
}

// compileFilter returns a cached compiled regular expression for
// pattern, or an error if pattern is not a valid regular expression.
func (r *registry) compileFilter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.filterCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.filterCache[pattern] = re
	return re, nil
}

// installPriority returns the priority currently advertised to the
// engine for name, and whether any entry for name exists.
func (r *registry) installPriority(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, e := range r.installs {
		if k.name == name {
			return e.priority, true
		}
	}
	return 0, false
}

// putInstall inserts or replaces the handler for key, returning the
// previous entry if one existed (so callers can detect "already
// installed" without a second lookup).
func (r *registry) putInstall(key registryKey, priority int, filter *regexp.Regexp, h Handler) *installEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.installs[key]
	r.installs[key] = &installEntry{key: key, priority: priority, filter: filter, handler: h}
	return prev
}

// removeInstall deletes the entry for key and reports whether any entry
// remains for key.name afterward.
func (r *registry) removeInstall(key registryKey) (removed bool, anyRemain bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.installs[key]; !ok {
		return false, r.nameHasInstallsLocked(key.name)
	}
	delete(r.installs, key)
	return true, r.nameHasInstallsLocked(key.name)
}

func (r *registry) nameHasInstallsLocked(name string) bool {
	for k := range r.installs {
		if k.name == name {
			return true
		}
	}
	return false
}

// matchingInstalls returns, in priority order (lowest number first, per
// engine convention), the installed handlers whose name matches and
// whose filter (if any) matches the given parameter value.
func (r *registry) matchingInstalls(name string, params Params) []*installEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*installEntry
	for k, e := range r.installs {
		if k.name != name {
			continue
		}
		if !filterMatches(e.filter, k.filterName, params) {
			continue
		}
		out = append(out, e)
	}
	sortInstallsByPriority(out)
	return out
}

func sortInstallsByPriority(entries []*installEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].priority < entries[j-1].priority; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func filterMatches(filter *regexp.Regexp, filterName string, params Params) bool {
	if filter == nil || filterName == "" {
		return true
	}
	v, ok := params.Get(filterName)
	if !ok {
		return false
	}
	return filter.MatchString(v)
}

// hasWatches reports whether any watcher is currently registered for
// name, regardless of filter.
func (r *registry) hasWatches(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nameHasWatchesLocked(name)
}

// putWatch inserts or replaces the watcher for key.
func (r *registry) putWatch(key registryKey, filter *regexp.Regexp, w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches[key] = &watchEntry{key: key, filter: filter, handler: w}
}

// removeWatch deletes the entry for key and reports whether any entry
// remains for key.name afterward.
func (r *registry) removeWatch(key registryKey) (removed bool, anyRemain bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watches[key]; !ok {
		return false, r.nameHasWatchesLocked(key.name)
	}
	delete(r.watches, key)
	return true, r.nameHasWatchesLocked(key.name)
}

func (r *registry) nameHasWatchesLocked(name string) bool {
	for k := range r.watches {
		if k.name == name {
			return true
		}
	}
	return false
}

// matchingWatches returns the watchers whose name matches and whose
// filter (if any) matches the given parameter value.
func (r *registry) matchingWatches(name string, params Params) []*watchEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*watchEntry
	for k, e := range r.watches {
		if k.name != name {
			continue
		}
		if !filterMatches(e.filter, k.filterName, params) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// removeByFilter removes every watch (and install) entry whose
// (filterName, filterValue) pair equals (name, value); used by a channel
// tearing down every subscription scoped to its own id on hangup (spec
// §4.5).
func (r *registry) removeByFilter(filterName, filterValue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.watches {
		if k.filterName == filterName && k.filterValue == filterValue {
			delete(r.watches, k)
		}
	}
	for k := range r.installs {
		if k.filterName == filterName && k.filterValue == filterValue {
			delete(r.installs, k)
		}
	}
}

// putSetlocal records name=value for replay after reconnect.
func (r *registry) putSetlocal(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setlocal[name] = &setlocalEntry{name: name, value: value}
}

// snapshot returns every row (the registry's own entries, not copies) for
// replay after reconnect, grouped as spec invariant iv and scenario S5
// order them: setlocals, then installs, then watches. Installs are sorted
// by priority; the order within setlocals and within watches is not
// defined.
func (r *registry) snapshot() (setlocals []*setlocalEntry, installs []*installEntry, watches []*watchEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.setlocal {
		setlocals = append(setlocals, e)
	}
	for _, e := range r.installs {
		installs = append(installs, e)
	}
	for _, e := range r.watches {
		watches = append(watches, e)
	}
	sortInstallsByPriority(installs)
	return setlocals, installs, watches
}
