package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"time"
)

// Envelope is the small set of well-known fields the engine reads out of an
// otherwise opaque payload: identity, version, and modification time.
type Envelope struct {
	EntityID  string
	Version   int64
	Timestamp time.Time
}

// PropertyDiff is one top-level property that differs between two payloads.
type PropertyDiff struct {
	Name   string
	Local  json.RawMessage
	Remote json.RawMessage
}

// Codec gives the engine a per-entity-type view onto opaque payloads. The
// engine never interprets payload semantics beyond what a codec exposes.
type Codec interface {
	EntityType() string
	Envelope(payload []byte) (*Envelope, error)
	Diff(local, remote []byte) ([]PropertyDiff, error)

	// MergeProperty merges one diverged property, returning ok=false when the
	// property has no merge strategy. Used only for rules resolved as Merged.
	MergeProperty(name string, local, remote json.RawMessage) (json.RawMessage, bool)
}

// Registry holds the codecs registered at startup, keyed by entity type.
type Registry struct {
	mu     gosync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates an empty codec registry
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds a codec; the last registration for an entity type wins.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.EntityType()] = c
}

// Lookup returns the codec for an entity type
func (r *Registry) Lookup(entityType string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[entityType]
	return c, ok
}

// EntityTypes returns the registered entity types, sorted.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.codecs))
	for t := range r.codecs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// MergeStrategy merges two raw values for one property
type MergeStrategy func(local, remote json.RawMessage) (json.RawMessage, bool)

// JSONCodec treats payloads as flat JSON objects with the well-known fields
// "id", "version" and "updated_at". That is the whole coupling surface; every
// other property is compared byte-wise and only merged where a strategy was
// registered.
type JSONCodec struct {
	entityType string
	merges     map[string]MergeStrategy
}

// JSONCodecOption configures a JSONCodec
type JSONCodecOption func(*JSONCodec)

// WithNumericMaxMerge merges the named properties by keeping the numerically
// larger value (e.g. stock counts after parallel receiving).
func WithNumericMaxMerge(names ...string) JSONCodecOption {
	return func(c *JSONCodec) {
		for _, n := range names {
			c.merges[n] = mergeNumericMax
		}
	}
}

// WithConcatMerge merges the named string properties by concatenation
// (e.g. free-text notes edited on both sides).
func WithConcatMerge(names ...string) JSONCodecOption {
	return func(c *JSONCodec) {
		for _, n := range names {
			c.merges[n] = mergeConcat
		}
	}
}

// NewJSONCodec creates a codec for one entity type
func NewJSONCodec(entityType string, opts ...JSONCodecOption) *JSONCodec {
	c := &JSONCodec{
		entityType: entityType,
		merges:     make(map[string]MergeStrategy),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EntityType returns the entity type this codec serves
func (c *JSONCodec) EntityType() string {
	return c.entityType
}

// Envelope extracts id, version and updated_at from the payload
func (c *JSONCodec) Envelope(payload []byte) (*Envelope, error) {
	var fields struct {
		ID        json.RawMessage `json:"id"`
		Version   int64           `json:"version"`
		UpdatedAt string          `json:"updated_at"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, Validation(fmt.Errorf("malformed %s payload: %w", c.entityType, err))
	}

	id := rawToString(fields.ID)
	if id == "" {
		return nil, Validation(fmt.Errorf("%s payload missing id", c.entityType))
	}

	env := &Envelope{EntityID: id, Version: fields.Version}
	if fields.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339, fields.UpdatedAt)
		if err != nil {
			return nil, Validation(fmt.Errorf("%s payload has bad updated_at: %w", c.entityType, err))
		}
		env.Timestamp = ts.UTC()
	}
	return env, nil
}

// envelopeFields are excluded from property diffs
var envelopeFields = map[string]bool{
	"id":         true,
	"version":    true,
	"updated_at": true,
}

// Diff compares two payloads property by property
func (c *JSONCodec) Diff(local, remote []byte) ([]PropertyDiff, error) {
	var localObj, remoteObj map[string]json.RawMessage
	if err := json.Unmarshal(local, &localObj); err != nil {
		return nil, Validation(fmt.Errorf("malformed local %s payload: %w", c.entityType, err))
	}
	if err := json.Unmarshal(remote, &remoteObj); err != nil {
		return nil, Validation(fmt.Errorf("malformed remote %s payload: %w", c.entityType, err))
	}

	names := make(map[string]bool)
	for k := range localObj {
		names[k] = true
	}
	for k := range remoteObj {
		names[k] = true
	}

	diffs := make([]PropertyDiff, 0)
	for name := range names {
		if envelopeFields[name] {
			continue
		}
		lv, rv := localObj[name], remoteObj[name]
		if !rawEqual(lv, rv) {
			diffs = append(diffs, PropertyDiff{Name: name, Local: lv, Remote: rv})
		}
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Name < diffs[j].Name })
	return diffs, nil
}

// MergeProperty applies the registered strategy for one property
func (c *JSONCodec) MergeProperty(name string, local, remote json.RawMessage) (json.RawMessage, bool) {
	strategy, ok := c.merges[name]
	if !ok {
		return nil, false
	}
	return strategy(local, remote)
}

// PayloadsEqual compares two payloads after JSON canonicalization, so key
// order and whitespace differences do not count as divergence.
func PayloadsEqual(a, b []byte) bool {
	ca, errA := canonicalize(a)
	cb, errB := canonicalize(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

func canonicalize(payload []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func rawEqual(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return PayloadsEqual(a, b)
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func mergeNumericMax(local, remote json.RawMessage) (json.RawMessage, bool) {
	lf, errL := strconv.ParseFloat(strings.TrimSpace(string(local)), 64)
	rf, errR := strconv.ParseFloat(strings.TrimSpace(string(remote)), 64)
	if errL != nil || errR != nil {
		return nil, false
	}
	if lf >= rf {
		return local, true
	}
	return remote, true
}

func mergeConcat(local, remote json.RawMessage) (json.RawMessage, bool) {
	var ls, rs string
	if err := json.Unmarshal(local, &ls); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(remote, &rs); err != nil {
		return nil, false
	}
	if ls == rs {
		return local, true
	}
	merged, err := json.Marshal(strings.TrimSpace(ls + "\n" + rs))
	if err != nil {
		return nil, false
	}
	return merged, true
}

// RegisterRetailCodecs installs the default retail entity codecs. Host
// applications replace or extend this set at startup.
func RegisterRetailCodecs(r *Registry) {
	r.Register(NewJSONCodec("products"))
	r.Register(NewJSONCodec("pricing"))
	r.Register(NewJSONCodec("receipts"))
	r.Register(NewJSONCodec("orders"))
	r.Register(NewJSONCodec("inventory",
		WithNumericMaxMerge("stock_count"),
		WithConcatMerge("notes")))
	r.Register(NewJSONCodec("loyalty_members"))
	r.Register(NewJSONCodec("analytics"))
}
