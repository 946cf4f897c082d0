package collect

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// RawData is a string-keyed mapping that remembers key insertion order.
// Overwriting a key keeps its original position and replaces the value.
type RawData struct {
	keys   []string
	values map[string]interface{}
}

// NewRawData creates an empty RawData
func NewRawData() *RawData {
	return &RawData{values: make(map[string]interface{})}
}

// Set stores v under key
func (r *RawData) Set(key string, v interface{}) {
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

// Get returns the value stored under key
func (r *RawData) Get(key string) (interface{}, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns keys in insertion order
func (r *RawData) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of keys
func (r *RawData) Len() int {
	return len(r.keys)
}

// Merge copies every key of other into r, last write wins
func (r *RawData) Merge(other *RawData) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		r.Set(k, other.values[k])
	}
}

// ParseObject decodes a JSON document whose top level is an object,
// keeping the document's key order.
func ParseObject(data []byte) (*RawData, error) {
	if !jsonAPI.Valid(data) {
		return nil, fmt.Errorf("invalid JSON document")
	}

	iter := jsoniter.ParseBytes(jsonAPI, data)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return nil, fmt.Errorf("top-level JSON value is not an object")
	}

	raw := NewRawData()
	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		var v interface{}
		it.ReadVal(&v)
		raw.Set(key, v)
		return it.Error == nil
	})
	if iter.Error != nil {
		return nil, fmt.Errorf("failed to decode JSON object: %w", iter.Error)
	}

	return raw, nil
}
