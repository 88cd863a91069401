package ir

import "fmt"

// ConstraintKind distinguishes the TransformConstraint variants.
type ConstraintKind string

const (
	ConstraintLocalTransform  ConstraintKind = "local_transform"
	ConstraintRemoteTransform ConstraintKind = "remote_transform"
	ConstraintDataMigration   ConstraintKind = "data_migration"
	ConstraintDistributedSync ConstraintKind = "distributed_sync"
)

// ConsistencyModel governs ordering among sync participants and replicas.
type ConsistencyModel string

const (
	ConsistencyStrong   ConsistencyModel = "strong"
	ConsistencyEventual ConsistencyModel = "eventual"
	ConsistencyCausal   ConsistencyModel = "causal"
	ConsistencySession  ConsistencyModel = "session"
)

// Valid reports whether m is one of the known models.
func (m ConsistencyModel) Valid() bool {
	switch m {
	case ConsistencyStrong, ConsistencyEventual, ConsistencyCausal, ConsistencySession:
		return true
	}
	return false
}

// StrategyKind distinguishes the MigrationStrategy variants.
type StrategyKind string

const (
	StrategyCopy      StrategyKind = "copy"
	StrategyMove      StrategyKind = "move"
	StrategyReplicate StrategyKind = "replicate"
	StrategyPartition StrategyKind = "partition"
)

// MigrationStrategy says how a resource moves between domains.
type MigrationStrategy struct {
	Kind        StrategyKind     `json:"kind" yaml:"kind"`
	Targets     []DomainID       `json:"targets,omitempty" yaml:"targets,omitempty"`
	Consistency ConsistencyModel `json:"consistency,omitempty" yaml:"consistency,omitempty"`
	Partition   string           `json:"partition,omitempty" yaml:"partition,omitempty"`
}

// Copy leaves the source in place.
func Copy() MigrationStrategy { return MigrationStrategy{Kind: StrategyCopy} }

// Move consumes the source after the target has stored the resource.
func Move() MigrationStrategy { return MigrationStrategy{Kind: StrategyMove} }

// Replicate copies to every target under a consistency model.
func Replicate(model ConsistencyModel, targets ...DomainID) MigrationStrategy {
	return MigrationStrategy{Kind: StrategyReplicate, Targets: targets, Consistency: model}
}

// Partition splits the resource bytes across targets.
func Partition(strategy string, targets ...DomainID) MigrationStrategy {
	return MigrationStrategy{Kind: StrategyPartition, Partition: strategy, Targets: targets}
}

// Validate checks the strategy is well formed.
func (s MigrationStrategy) Validate() error {
	switch s.Kind {
	case StrategyCopy, StrategyMove:
		return nil
	case StrategyReplicate:
		if len(s.Targets) == 0 {
			return fmt.Errorf("replicate requires targets")
		}
		if !s.Consistency.Valid() {
			return fmt.Errorf("replicate: unknown consistency %q", s.Consistency)
		}
		return nil
	case StrategyPartition:
		if len(s.Targets) == 0 {
			return fmt.Errorf("partition requires targets")
		}
		return nil
	}
	return fmt.Errorf("unknown migration strategy %q", s.Kind)
}

// CausalEdge records that Before happens-before After among sync participants.
type CausalEdge struct {
	Before DomainID `json:"before" yaml:"before"`
	After  DomainID `json:"after" yaml:"after"`
}

// TransformConstraint is one requirement of an intent. Which fields apply
// depends on Kind:
//
//	local_transform:  SourceType, TargetType, Definition
//	remote_transform: SourceLocation, TargetLocation, Protocol
//	data_migration:   SourceLocation (from), TargetLocation (to), Strategy, Protocol
//	distributed_sync: Locations, Consistency, Ordering, CausalOrder
//
// Inputs name the resource bindings the constraint reads and Output names
// the binding its result is published under.
type TransformConstraint struct {
	Kind           ConstraintKind     `json:"kind" yaml:"kind"`
	SourceType     string             `json:"source_type,omitempty" yaml:"source_type,omitempty"`
	TargetType     string             `json:"target_type,omitempty" yaml:"target_type,omitempty"`
	Definition     string             `json:"definition,omitempty" yaml:"definition,omitempty"`
	SourceLocation DomainID           `json:"source_location,omitempty" yaml:"source_location,omitempty"`
	TargetLocation DomainID           `json:"target_location,omitempty" yaml:"target_location,omitempty"`
	Protocol       string             `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Strategy       *MigrationStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Locations      []DomainID         `json:"locations,omitempty" yaml:"locations,omitempty"`
	Consistency    ConsistencyModel   `json:"consistency,omitempty" yaml:"consistency,omitempty"`

	// Ordering is the agreed total order of participants; required when
	// Consistency is strong.
	Ordering []DomainID `json:"ordering,omitempty" yaml:"ordering,omitempty"`

	// CausalOrder lists happens-before pairs; only these become dependencies
	// under causal consistency.
	CausalOrder []CausalEdge `json:"causal_order,omitempty" yaml:"causal_order,omitempty"`

	// ParticipantModels overrides the model per participant. Overrides that
	// disagree with Consistency make the constraint unsatisfiable.
	ParticipantModels map[DomainID]ConsistencyModel `json:"participant_models,omitempty" yaml:"participant_models,omitempty"`

	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Output string   `json:"output,omitempty" yaml:"output,omitempty"`
}

// LocalTransform builds a computation executed in the intent's domain.
func LocalTransform(srcType, tgtType, definition string) TransformConstraint {
	return TransformConstraint{
		Kind:       ConstraintLocalTransform,
		SourceType: srcType,
		TargetType: tgtType,
		Definition: definition,
	}
}

// RemoteTransform builds a computation whose input lives at src and whose
// result is computed at tgt.
func RemoteTransform(src, tgt DomainID, protocol string) TransformConstraint {
	return TransformConstraint{
		Kind:           ConstraintRemoteTransform,
		SourceLocation: src,
		TargetLocation: tgt,
		Protocol:       protocol,
	}
}

// DataMigration moves or copies a resource between domains.
func DataMigration(from, to DomainID, strategy MigrationStrategy, protocol string) TransformConstraint {
	return TransformConstraint{
		Kind:           ConstraintDataMigration,
		SourceLocation: from,
		TargetLocation: to,
		Strategy:       &strategy,
		Protocol:       protocol,
	}
}

// DistributedSync coordinates a set of locations.
func DistributedSync(model ConsistencyModel, locations ...DomainID) TransformConstraint {
	return TransformConstraint{
		Kind:        ConstraintDistributedSync,
		Locations:   locations,
		Consistency: model,
	}
}

// Reading returns a copy of c that reads the named bindings.
func (c TransformConstraint) Reading(names ...string) TransformConstraint {
	c.Inputs = append(append([]string(nil), c.Inputs...), names...)
	return c
}

// Producing returns a copy of c that publishes its result under name.
func (c TransformConstraint) Producing(name string) TransformConstraint {
	c.Output = name
	return c
}

// Ordered returns a copy of c with an explicit participant order.
func (c TransformConstraint) Ordered(order ...DomainID) TransformConstraint {
	c.Ordering = order
	return c
}

// Validate checks the fields required by the constraint's kind.
func (c TransformConstraint) Validate() error {
	switch c.Kind {
	case ConstraintLocalTransform:
		if c.Definition == "" {
			return fmt.Errorf("local_transform: definition is required")
		}
	case ConstraintRemoteTransform:
		if c.SourceLocation == "" || c.TargetLocation == "" {
			return fmt.Errorf("remote_transform: source and target locations are required")
		}
		if len(c.Inputs) == 0 {
			return fmt.Errorf("remote_transform: an input binding is required")
		}
	case ConstraintDataMigration:
		if c.SourceLocation == "" || c.TargetLocation == "" {
			return fmt.Errorf("data_migration: from and to locations are required")
		}
		if c.Strategy == nil {
			return fmt.Errorf("data_migration: strategy is required")
		}
		if err := c.Strategy.Validate(); err != nil {
			return fmt.Errorf("data_migration: %w", err)
		}
		if len(c.Inputs) != 1 {
			return fmt.Errorf("data_migration: exactly one input binding is required")
		}
	case ConstraintDistributedSync:
		if len(c.Locations) == 0 {
			return fmt.Errorf("distributed_sync: at least one location is required")
		}
		if !c.Consistency.Valid() {
			return fmt.Errorf("distributed_sync: unknown consistency %q", c.Consistency)
		}
	default:
		return fmt.Errorf("unknown constraint kind %q", c.Kind)
	}
	return nil
}
