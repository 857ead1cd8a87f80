// Package labels holds the label-set identity of a series: a sorted list of
// name/value pairs hashed to a stable key.
package labels

import (
	"bytes"
	"hash/fnv"
	"sort"
)

const sep = '\xff'

type Label struct {
	Name  string
	Value string
}

type Labels []Label

func (ls Labels) Len() int           { return len(ls) }
func (ls Labels) Swap(i, j int)      { ls[i], ls[j] = ls[j], ls[i] }
func (ls Labels) Less(i, j int) bool { return ls[i].Name < ls[j].Name }

// New returns a sorted label set built from the given pairs.
func New(ls ...Label) Labels {
	set := make(Labels, 0, len(ls))
	set = append(set, ls...)
	sort.Sort(set)
	return set
}

// FromMap returns a sorted label set built from a string map.
func FromMap(m map[string]string) Labels {
	ls := make(Labels, 0, len(m))
	for name, value := range m {
		ls = append(ls, Label{Name: name, Value: value})
	}
	sort.Sort(ls)
	return ls
}

// FromStrings builds a label set from alternating name/value pairs and
// panics on an odd count. Intended for tests and fixtures.
func FromStrings(ss ...string) Labels {
	if len(ss)%2 != 0 {
		panic("invalid number of strings")
	}
	ls := make(Labels, 0, len(ss)/2)
	for i := 0; i < len(ss); i += 2 {
		ls = append(ls, Label{Name: ss[i], Value: ss[i+1]})
	}
	sort.Sort(ls)
	return ls
}

// Hash returns a stable hash of the label set. Names and values are
// separated by a byte that cannot occur in valid UTF-8 label data, so
// ("a","bc") and ("ab","c") never collide on concatenation.
func (ls Labels) Hash() uint64 {
	h := fnv.New64a()
	for _, l := range ls {
		h.Write([]byte(l.Name))
		h.Write([]byte{sep})
		h.Write([]byte(l.Value))
		h.Write([]byte{sep})
	}
	return h.Sum64()
}

// Get returns the value for the given label name, or "" if absent.
func (ls Labels) Get(name string) string {
	for _, l := range ls {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

// Equal reports whether two label sets are identical.
func Equal(a, b Labels) bool {
	if len(a) != len(b) {
		return false
	}
	for i, l := range a {
		if l != b[i] {
			return false
		}
	}
	return true
}

// Compare orders label sets lexicographically by name, then value.
func Compare(a, b Labels) int {
	l := len(a)
	if len(b) < l {
		l = len(b)
	}
	for i := 0; i < l; i++ {
		if a[i].Name != b[i].Name {
			if a[i].Name < b[i].Name {
				return -1
			}
			return 1
		}
		if a[i].Value != b[i].Value {
			if a[i].Value < b[i].Value {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func (ls Labels) String() string {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, l := range ls {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteByte('"')
		b.WriteString(l.Value)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Map returns the label set as a string map.
func (ls Labels) Map() map[string]string {
	m := make(map[string]string, len(ls))
	for _, l := range ls {
		m[l.Name] = l.Value
	}
	return m
}

// Copy returns a new label set backed by fresh storage.
func (ls Labels) Copy() Labels {
	cp := make(Labels, len(ls))
	copy(cp, ls)
	return cp
}
