package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// Dict is a nested configuration mapping. Section values are themselves maps;
// everything else is a leaf. Key lookups are case-insensitive because viper
// lowercases every key it reads.
type Dict map[string]any

// lookup returns the value stored under key, matching case-insensitively.
func (d Dict) lookup(key string) (string, any, bool) {
	if v, ok := d[key]; ok {
		return key, v, true
	}
	for k, v := range d {
		if strings.EqualFold(k, key) {
			return k, v, true
		}
	}
	return "", nil, false
}

// Get returns the raw value stored under key.
func (d Dict) Get(key string) (any, bool) {
	_, v, ok := d.lookup(key)
	return v, ok
}

// Has reports whether key is present.
func (d Dict) Has(key string) bool {
	_, _, ok := d.lookup(key)
	return ok
}

// Section returns the sub-section stored under name.
func (d Dict) Section(name string) (Dict, bool) {
	v, ok := d.Get(name)
	if !ok {
		return nil, false
	}
	return asDict(v)
}

// Path walks nested sections.
func (d Dict) Path(names ...string) (Dict, bool) {
	cur := d
	for _, name := range names {
		next, ok := cur.Section(name)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Leaves returns a copy holding only the scalar entries of d.
func (d Dict) Leaves() Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		if _, isSection := asDict(v); isSection {
			continue
		}
		out[k] = v
	}
	return out
}

// Copy returns a shallow copy of d.
func (d Dict) Copy() Dict {
	return lo.Assign(d)
}

// Set stores value under key, replacing any existing key that differs only by case.
func (d Dict) Set(key string, value any) {
	if k, _, ok := d.lookup(key); ok && k != key {
		delete(d, k)
	}
	d[key] = value
}

// SetDefault stores value under key unless the key is already present.
func (d Dict) SetDefault(key string, value any) {
	if !d.Has(key) {
		d[key] = value
	}
}

// Pop removes key and returns its value, or def when absent.
func (d Dict) Pop(key string, def any) any {
	k, v, ok := d.lookup(key)
	if !ok {
		return def
	}
	delete(d, k)
	return v
}

// String returns the value under key as a string.
func (d Dict) String(key string) string {
	v, _ := d.Get(key)
	return cast.ToString(v)
}

// Bool returns the value under key as a bool, or def when absent or not a boolean.
func (d Dict) Bool(key string, def bool) bool {
	v, ok := d.Get(key)
	if !ok {
		return def
	}
	return ToBool(v, def)
}

// PopBool removes key and returns it as a bool.
func (d Dict) PopBool(key string, def bool) bool {
	return ToBool(d.Pop(key, def), def)
}

// Decode copies the leaves of d into the struct pointed to by out, converting
// strings such as "yes" or "2.5" to the field type. Bool fields accept the
// same spellings as ToBool.
func (d Dict) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.DecodeHookFuncType(stringToBoolHook),
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(mapKey, fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]any(d.Leaves()))
}

func stringToBoolHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	b, err := toBoolE(data)
	if err != nil {
		return nil, fmt.Errorf("invalid boolean %q", data)
	}
	return b, nil
}

// ToBool converts configuration values such as true, "yes" or "1" to a bool.
func ToBool(v any, def bool) bool {
	b, err := toBoolE(v)
	if err != nil {
		return def
	}
	return b
}

func toBoolE(v any) (bool, error) {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "on":
			return true, nil
		case "no", "off", "none", "":
			return false, nil
		}
	}
	return cast.ToBoolE(v)
}

// AccumulateLeaves merges the leaves of every section along path, starting at
// root. Values from deeper sections win.
func AccumulateLeaves(root Dict, path ...string) Dict {
	out := root.Leaves()
	cur := root
	for _, name := range path {
		next, ok := cur.Section(name)
		if !ok {
			break
		}
		for k, v := range next.Leaves() {
			out.Set(k, v)
		}
		cur = next
	}
	return out
}

// SearchUp looks for key in the section at path, then in each parent up to root.
func SearchUp(root Dict, path []string, key string) (any, bool) {
	for i := len(path); i >= 0; i-- {
		sec, ok := root.Path(path[:i]...)
		if !ok {
			continue
		}
		if v, ok := sec.Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// SearchUpSection is SearchUp for a key that names a section.
func SearchUpSection(root Dict, path []string, key string) (Dict, bool) {
	v, ok := SearchUp(root, path, key)
	if !ok {
		return nil, false
	}
	return asDict(v)
}

// BoolMap converts every leaf of d to a bool.
func (d Dict) BoolMap() map[string]bool {
	out := make(map[string]bool, len(d))
	for k, v := range d.Leaves() {
		out[k] = ToBool(v, false)
	}
	return out
}

func asDict(v any) (Dict, bool) {
	switch m := v.(type) {
	case Dict:
		return m, true
	case map[string]any:
		return Dict(m), true
	case map[any]any:
		out := make(Dict, len(m))
		for k, val := range m {
			out[cast.ToString(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
