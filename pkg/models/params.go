package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Param is one bind parameter recovered from a log detail field.
type Param struct {
	Index int    `json:"index"`
	Value string `json:"value"`
}

// Key returns the placeholder text of the parameter, e.g. "$3".
func (p Param) Key() string {
	return "$" + strconv.Itoa(p.Index)
}

// ParameterMap is an ordered set of bind parameters, sorted by index.
// The zero value is an empty map.
type ParameterMap struct {
	params []Param
}

// NewParameterMap validates params and returns them as a ParameterMap
// sorted by ascending index. Non-positive and duplicate indexes are rejected.
func NewParameterMap(params []Param) (ParameterMap, error) {
	if len(params) == 0 {
		return ParameterMap{}, nil
	}

	sorted := make([]Param, len(params))
	copy(sorted, params)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	for i, p := range sorted {
		if p.Index <= 0 {
			return ParameterMap{}, fmt.Errorf("parameter index %d is not positive", p.Index)
		}
		if i > 0 && sorted[i-1].Index == p.Index {
			return ParameterMap{}, fmt.Errorf("duplicate parameter %s", p.Key())
		}
	}

	return ParameterMap{params: sorted}, nil
}

// Len returns the number of parameters.
func (m ParameterMap) Len() int {
	return len(m.params)
}

// Params returns a copy of the parameters in ascending index order.
func (m ParameterMap) Params() []Param {
	out := make([]Param, len(m.params))
	copy(out, m.params)
	return out
}

// Get returns the value bound to index.
func (m ParameterMap) Get(index int) (string, bool) {
	i := sort.Search(len(m.params), func(i int) bool {
		return m.params[i].Index >= index
	})
	if i < len(m.params) && m.params[i].Index == index {
		return m.params[i].Value, true
	}
	return "", false
}

// Descending returns the parameters in descending index order, the order in
// which they must be substituted so "$12" is handled before "$1".
func (m ParameterMap) Descending() []Param {
	out := make([]Param, len(m.params))
	for i, p := range m.params {
		out[len(m.params)-1-i] = p
	}
	return out
}

// MarshalJSON renders the map as a JSON object keyed by placeholder, in index order.
func (m ParameterMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, p := range m.params {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(p.Key())
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON accepts the object form produced by MarshalJSON.
func (m *ParameterMap) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	params := make([]Param, 0, len(raw))
	for key, value := range raw {
		index, err := ParsePlaceholder(key)
		if err != nil {
			return err
		}
		params = append(params, Param{Index: index, Value: value})
	}
	parsed, err := NewParameterMap(params)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParsePlaceholder parses a "$<digits>" placeholder into its index.
func ParsePlaceholder(key string) (int, error) {
	if len(key) < 2 || key[0] != '$' {
		return 0, fmt.Errorf("placeholder %q must match $<digits>", key)
	}
	for i := 1; i < len(key); i++ {
		if key[i] < '0' || key[i] > '9' {
			return 0, fmt.Errorf("placeholder %q must match $<digits>", key)
		}
	}
	index, err := strconv.Atoi(key[1:])
	if err != nil {
		return 0, fmt.Errorf("placeholder %q: %w", key, err)
	}
	return index, nil
}
