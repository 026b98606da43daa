package vm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"
)

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_]\w*)(?:\.([A-Za-z_]\w*))?\}`)

// VariableStore holds plan variables and their reference counts. All
// accessors take the internal lock.
type VariableStore struct {
	mu     sync.Mutex
	values map[string]any
	refs   map[string]int
}

// NewVariableStore returns an empty store.
func NewVariableStore() *VariableStore {
	return &VariableStore{
		values: make(map[string]any),
		refs:   make(map[string]int),
	}
}

// Set stores value with a reference count of one, replacing any prior entry.
func (s *VariableStore) Set(name string, value any) {
	s.SetWithRefs(name, value, 1)
}

// SetWithRefs stores value with an explicit reference count.
func (s *VariableStore) SetWithRefs(name string, value any, refs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	s.refs[name] = refs
}

// Get returns the value for name.
func (s *VariableStore) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[name]
	return value, ok
}

// Has reports whether name exists.
func (s *VariableStore) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[name]
	return ok
}

// SetReferenceCount overrides the reference count for name.
func (s *VariableStore) SetReferenceCount(name string, refs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[name] = refs
}

// DecreaseRefCount subtracts one reference. Deletion happens only in
// GarbageCollect.
func (s *VariableStore) DecreaseRefCount(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[name]; ok {
		s.refs[name]--
	}
}

// GarbageCollect removes every variable whose reference count dropped to
// zero or below.
func (s *VariableStore) GarbageCollect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, refs := range s.refs {
		if refs <= 0 {
			delete(s.values, name)
			delete(s.refs, name)
		}
	}
}

// Values returns a copy of all variables.
func (s *VariableStore) Values() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Refs returns a copy of all reference counts.
func (s *VariableStore) Refs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.refs))
	for k, v := range s.refs {
		out[k] = v
	}
	return out
}

// SetAll replaces the full store contents.
func (s *VariableStore) SetAll(values map[string]any, refs map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
	}
	s.refs = make(map[string]int, len(refs))
	for k, v := range refs {
		s.refs[k] = v
	}
}

// Interpolate substitutes ${name} and ${name.sub} references in a single
// pass. Non-string inputs are returned unchanged, as are references to
// unknown variables.
func (s *VariableStore) Interpolate(value any) any {
	text, ok := value.(string)
	if !ok {
		return value
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return refPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := refPattern.FindStringSubmatch(match)
		name, sub := groups[1], groups[2]
		stored, ok := s.values[name]
		if !ok {
			return match
		}
		if sub == "" {
			return Stringify(stored)
		}
		if m, ok := stored.(map[string]any); ok {
			if subValue, ok := m[sub]; ok {
				return Stringify(subValue)
			}
		}
		return match
	})
}

// FindKnownRefs returns the top-level names referenced by value that exist
// in the store.
func (s *VariableStore) FindKnownRefs(value any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var known []string
	for _, name := range FindRefs(value) {
		if _, ok := s.values[name]; ok {
			known = append(known, name)
		}
	}
	return known
}

// FindRefs returns the top-level names referenced by ${name} or ${name.sub}
// patterns, in order of first appearance.
func FindRefs(value any) []string {
	text, ok := value.(string)
	if !ok {
		return nil
	}

	var names []string
	seen := make(map[string]bool)
	for _, match := range refPattern.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Stringify renders a variable value for interpolation and previews.
// Strings pass through; structured values become compact JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool, int, int64:
		return fmt.Sprint(v)
	default:
		if data, err := json.Marshal(value); err == nil {
			return string(data)
		}
		return fmt.Sprint(value)
	}
}
