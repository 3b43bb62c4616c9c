package http1

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

type headerField struct {
	name  string // as first written
	value string
}

// Header is an ordered header mapping keyed by lower-cased field name.
// Lookups are case-insensitive. Set replaces (last value wins); Add merges
// into a comma-separated list. The zero value is ready to use.
type Header struct {
	fields []headerField
	index  map[string]int
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{}
}

func headerKey(name string) string {
	return strings.ToLower(name)
}

// Get returns the value for name, or "" if absent.
func (h *Header) Get(name string) string {
	if h == nil || h.index == nil {
		return ""
	}
	if i, ok := h.index[headerKey(name)]; ok {
		return h.fields[i].value
	}
	return ""
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	if h == nil || h.index == nil {
		return false
	}
	_, ok := h.index[headerKey(name)]
	return ok
}

// Set stores value under name, replacing any previous value but keeping
// the field's original position.
func (h *Header) Set(name, value string) {
	if h.index == nil {
		h.index = make(map[string]int)
	}
	key := headerKey(name)
	if i, ok := h.index[key]; ok {
		h.fields[i].value = value
		return
	}
	h.index[key] = len(h.fields)
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// SetDefault stores value only when name is absent.
func (h *Header) SetDefault(name, value string) {
	if !h.Has(name) {
		h.Set(name, value)
	}
}

// Add appends value to an existing field as a comma-separated list element,
// or sets it when absent.
func (h *Header) Add(name, value string) {
	if cur := h.Get(name); cur != "" {
		h.Set(name, cur+", "+value)
		return
	}
	h.Set(name, value)
}

// Del removes name.
func (h *Header) Del(name string) {
	if h == nil || h.index == nil {
		return
	}
	key := headerKey(name)
	i, ok := h.index[key]
	if !ok {
		return
	}
	h.fields = append(h.fields[:i], h.fields[i+1:]...)
	delete(h.index, key)
	for j := i; j < len(h.fields); j++ {
		h.index[headerKey(h.fields[j].name)] = j
	}
}

// Len returns the number of distinct fields.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Each calls fn for every field in insertion order.
func (h *Header) Each(fn func(name, value string)) {
	if h == nil {
		return
	}
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// Clone returns an independent copy.
func (h *Header) Clone() *Header {
	c := &Header{}
	h.Each(c.Set)
	return c
}

// HasToken reports whether the comma-separated field name contains token,
// compared case-insensitively.
func (h *Header) HasToken(name, token string) bool {
	v := h.Get(name)
	if v == "" {
		return false
	}
	return httpguts.HeaderValuesContainsToken([]string{v}, token)
}
