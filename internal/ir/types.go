package ir

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DomainID names an execution domain (a chain, a shard, a local runtime).
// Locations in intents and constraints are domain ids.
type DomainID string

// Hex encodes the domain id bytes; exports and snapshot types key domains by
// this form.
func (d DomainID) Hex() string {
	return hex.EncodeToString([]byte(d))
}

// ParseDomainHex reverses Hex.
func ParseDomainHex(s string) (DomainID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("parse domain hex %q: %w", s, err)
	}
	return DomainID(raw), nil
}

// AccessKind enumerates resource access patterns.
type AccessKind string

const (
	AccessReadOnly  AccessKind = "read_only"
	AccessWriteOnly AccessKind = "write_only"
	AccessReadWrite AccessKind = "read_write"
	AccessLinear    AccessKind = "linear"
	AccessStreaming AccessKind = "streaming"
	AccessRandom    AccessKind = "random"
)

// AccessPattern describes how a resource may be used. ChunkSize and Prefetch
// apply to Streaming; Frequency and CacheSize apply to Random.
type AccessPattern struct {
	Kind      AccessKind `json:"kind" yaml:"kind"`
	ChunkSize int64      `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	Prefetch  int64      `json:"prefetch,omitempty" yaml:"prefetch,omitempty"`
	Frequency int64      `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	CacheSize int64      `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
}

// Linear is the pattern of resources consumed exactly once.
func Linear() AccessPattern { return AccessPattern{Kind: AccessLinear} }

// ReadOnly is the pattern of immutable shared resources.
func ReadOnly() AccessPattern { return AccessPattern{Kind: AccessReadOnly} }

// ReadWrite is the pattern of mutable shared resources.
func ReadWrite() AccessPattern { return AccessPattern{Kind: AccessReadWrite} }

// Streaming builds a streaming pattern.
func Streaming(chunk, prefetch int64) AccessPattern {
	return AccessPattern{Kind: AccessStreaming, ChunkSize: chunk, Prefetch: prefetch}
}

// Random builds a random-access pattern.
func Random(freq, cache int64) AccessPattern {
	return AccessPattern{Kind: AccessRandom, Frequency: freq, CacheSize: cache}
}

// IsLinear reports whether the resource must be consumed at most once.
func (p AccessPattern) IsLinear() bool { return p.Kind == AccessLinear }

// Validate checks the kind is known.
func (p AccessPattern) Validate() error {
	switch p.Kind {
	case AccessReadOnly, AccessWriteOnly, AccessReadWrite, AccessLinear, AccessStreaming, AccessRandom:
		return nil
	}
	return fmt.Errorf("unknown access pattern %q", p.Kind)
}

// ToValue converts the pattern for canonical hashing.
func (p AccessPattern) ToValue() Object {
	obj := Object{"kind": String(p.Kind)}
	switch p.Kind {
	case AccessStreaming:
		obj["chunk_size"] = Int(p.ChunkSize)
		obj["prefetch"] = Int(p.Prefetch)
	case AccessRandom:
		obj["frequency"] = Int(p.Frequency)
		obj["cache_size"] = Int(p.CacheSize)
	}
	return obj
}

// ResourceState is the lifecycle position of a resource.
type ResourceState string

const (
	ResourceActive   ResourceState = "active"
	ResourceLocked   ResourceState = "locked"
	ResourceConsumed ResourceState = "consumed"
	ResourceArchived ResourceState = "archived"
)

// Resource is an owned datum. The id addresses its genesis record in the
// content store; the location and state change over its lifetime.
type Resource struct {
	ID              ContentID     `json:"id"`
	ResourceType    string        `json:"resource_type"`
	CurrentLocation DomainID      `json:"current_location"`
	AccessPattern   AccessPattern `json:"access_pattern"`
	State           ResourceState `json:"state"`
}

// ResourceGenesis is the immutable part of a resource that its id commits to.
// Origin distinguishes resources with equal type and value.
type ResourceGenesis struct {
	ResourceType  string
	AccessPattern AccessPattern
	Value         Value
	Origin        string
}

// Encode returns the canonical bytes of the genesis record and their id.
func (g ResourceGenesis) Encode() ([]byte, ContentID, error) {
	if g.Value == nil {
		return nil, ZeroID, fmt.Errorf("resource genesis: value is required")
	}
	return Canonicalize(Object{
		"resource_type":  String(g.ResourceType),
		"access_pattern": g.AccessPattern.ToValue(),
		"value":          g.Value,
		"origin":         String(g.Origin),
	})
}

// DecodeGenesis parses canonical genesis bytes.
func DecodeGenesis(data []byte) (ResourceGenesis, error) {
	v, err := ParseJSON(data)
	if err != nil {
		return ResourceGenesis{}, err
	}
	obj, ok := v.(Object)
	if !ok {
		return ResourceGenesis{}, fmt.Errorf("resource genesis: expected object, got %T", v)
	}
	pattern, err := patternFromValue(obj["access_pattern"])
	if err != nil {
		return ResourceGenesis{}, err
	}
	return ResourceGenesis{
		ResourceType:  obj.StringField("resource_type"),
		AccessPattern: pattern,
		Value:         obj["value"],
		Origin:        obj.StringField("origin"),
	}, nil
}

func patternFromValue(v Value) (AccessPattern, error) {
	obj, ok := v.(Object)
	if !ok {
		return AccessPattern{}, fmt.Errorf("access pattern: expected object, got %T", v)
	}
	p := AccessPattern{Kind: AccessKind(obj.StringField("kind"))}
	p.ChunkSize, _ = obj.IntField("chunk_size")
	p.Prefetch, _ = obj.IntField("prefetch")
	p.Frequency, _ = obj.IntField("frequency")
	p.CacheSize, _ = obj.IntField("cache_size")
	return p, p.Validate()
}

// Priority orders intents at admission.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityImmediate
)

var priorityNames = []string{"low", "normal", "high", "critical", "immediate"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityImmediate {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the lowercase names. The empty string means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// OptimizationStrategy selects among feasible plans.
type OptimizationStrategy string

const (
	MinimizeTotalCost OptimizationStrategy = "minimize_total_cost"
	MinimizeTime      OptimizationStrategy = "minimize_time"
	MinimizeResources OptimizationStrategy = "minimize_resources"
	Balanced          OptimizationStrategy = "balanced"
	CustomStrategy    OptimizationStrategy = "custom"
)

// CostWeights parameterize the custom strategy.
type CostWeights struct {
	Compute       int64 `json:"compute" yaml:"compute"`
	Communication int64 `json:"communication" yaml:"communication"`
	Storage       int64 `json:"storage" yaml:"storage"`
	Access        int64 `json:"access" yaml:"access"`
	Depth         int64 `json:"depth" yaml:"depth"`
}

// LocationRequirements constrain where an intent may run. Allowed is a hard
// filter; Preferred only breaks ties.
type LocationRequirements struct {
	Preferred DomainID             `json:"preferred,omitempty" yaml:"preferred,omitempty"`
	Allowed   []DomainID           `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Strategy  OptimizationStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Weights   *CostWeights         `json:"weights,omitempty" yaml:"weights,omitempty"`
}

// Intent is a declarative request for a transformation of resources.
type Intent struct {
	ID                   string                `json:"id"`
	Domain               DomainID              `json:"domain"`
	Constraints          []TransformConstraint `json:"constraints"`
	ResourceBindings     map[string]ContentID  `json:"resource_bindings"`
	LocationRequirements LocationRequirements  `json:"location_requirements"`
	ExpectedResult       Value                 `json:"-"`
	Priority             Priority              `json:"priority"`
	Timeout              time.Duration         `json:"timeout,omitempty"`
	Dependencies         []string              `json:"dependencies,omitempty"`
}
