package ir

// EffectStatus is the lifecycle position of an effect node. Terminal states
// are immutable once reached.
type EffectStatus string

const (
	EffectPending   EffectStatus = "pending"
	EffectRunning   EffectStatus = "running"
	EffectSuccess   EffectStatus = "success"
	EffectFailure   EffectStatus = "failure"
	EffectCancelled EffectStatus = "cancelled"
	EffectTimeout   EffectStatus = "timeout"
	EffectWaiting   EffectStatus = "waiting"
)

// IsTerminal reports whether no further transition is allowed.
func (s EffectStatus) IsTerminal() bool {
	switch s {
	case EffectSuccess, EffectFailure, EffectCancelled, EffectTimeout:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a successor may start after a
// predecessor in this state.
func (s EffectStatus) SatisfiesDependency() bool {
	return s == EffectSuccess || s == EffectWaiting
}

// EffectType names what an effect does.
type EffectType string

const (
	EffectCompute  EffectType = "compute"
	EffectLock     EffectType = "lock"
	EffectUnlock   EffectType = "unlock"
	EffectTransfer EffectType = "transfer"
	EffectRetrieve EffectType = "retrieve"
	EffectStore    EffectType = "store"
	EffectMigrate  EffectType = "migrate"
	EffectSync     EffectType = "sync"
)

// EffectNode is a unit of computation tracked by the temporal effect graph.
//
// The identifier commits to Label, EffectType, Domain, Parent and the
// accessed resources; status, inputs consumed and outputs are filled in as
// the effect runs.
type EffectNode struct {
	ID                ContentID    `json:"id"`
	Label             string       `json:"label"`
	EffectType        EffectType   `json:"effect_type"`
	Domain            DomainID     `json:"domain"`
	ResourcesAccessed []ContentID  `json:"resources_accessed"`
	ConsumedResources []ContentID  `json:"consumed_resources"`
	Inputs            []ContentID  `json:"inputs"`
	Outputs           []ContentID  `json:"outputs"`
	Status            EffectStatus `json:"status"`
	FactSnapshot      *ContentID   `json:"fact_snapshot,omitempty"`
	Parent            *ContentID   `json:"parent,omitempty"`
}

// IdentityRecord returns the canonical object the node's id commits to.
func (n EffectNode) IdentityRecord() Object {
	obj := Object{
		"label":       String(n.Label),
		"effect_type": String(n.EffectType),
		"domain":      String(n.Domain),
		"resources":   idArray(SortIDs(append([]ContentID(nil), n.ResourcesAccessed...))),
	}
	if n.Parent != nil {
		obj["parent"] = String(n.Parent.String())
	}
	return obj
}

func idArray(ids []ContentID) Array {
	arr := make(Array, len(ids))
	for i, id := range ids {
		arr[i] = String(id.String())
	}
	return arr
}

// ResourceNode is a resource as the effect graph sees it.
type ResourceNode struct {
	ID            ContentID     `json:"id"`
	ResourceType  string        `json:"resource_type"`
	Domain        DomainID      `json:"domain"`
	AccessPattern AccessPattern `json:"access_pattern"`
}
