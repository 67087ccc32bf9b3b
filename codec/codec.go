// Package codec names the serialization formats a session can negotiate
// with the peer that owns its caches.
//
// A Serializer is resolved once when a session is built (explicit value,
// then session configuration, then the environment default) and handed to
// every cache the session creates. The peer records the format a cache was
// first created with, so two sessions disagreeing on the format for the same
// cache are detected at creation time rather than on first read.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat is returned by Lookup for a format nobody registered.
var ErrUnknownFormat = errors.New("codec: unknown serializer format")

// Serializer converts values to and from their wire representation.
// Implementations MUST be safe for concurrent use.
type Serializer interface {
	Format() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON encodes with encoding/json.
	JSON Serializer = jsonSerializer{}
	// YAML encodes with gopkg.in/yaml.v3.
	YAML Serializer = yamlSerializer{}
)

type jsonSerializer struct{}

func (jsonSerializer) Format() string                     { return "json" }
func (jsonSerializer) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonSerializer) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type yamlSerializer struct{}

func (yamlSerializer) Format() string                     { return "yaml" }
func (yamlSerializer) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (yamlSerializer) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }

var (
	registryMu sync.RWMutex
	registry   = map[string]Serializer{
		"json": JSON,
		"yaml": YAML,
	}
)

// Register makes s available to Lookup under s.Format(), replacing any
// previous serializer with the same format name.
func Register(s Serializer) error {
	if s == nil || s.Format() == "" {
		return fmt.Errorf("codec: serializer must have a format name")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Format()] = s
	return nil
}

// Lookup returns the serializer registered for format.
func Lookup(format string) (Serializer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return s, nil
}

// Formats lists registered format names in sorted order.
func Formats() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for f := range registry {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
