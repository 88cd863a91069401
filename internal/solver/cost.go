package solver

import (
	"cmp"

	"github.com/roach88/causality/internal/ir"
)

// Cost schema.
const (
	costLocalCompute    = 10
	costRemoteStep      = 5
	costRemoteComm      = 100
	costMigrationComm   = 500
	costSyncParticipant = 50
	costMigrationStore  = 50
	costRemoteResource  = 100
)

// AccessSurcharge is the per-read cost of a resource with pattern p.
func AccessSurcharge(p ir.AccessPattern) int64 {
	switch p.Kind {
	case ir.AccessWriteOnly:
		return 2
	case ir.AccessReadWrite:
		return 5
	case ir.AccessLinear:
		return 10
	case ir.AccessStreaming:
		if p.ChunkSize <= 0 {
			return 1000 + p.Prefetch
		}
		return (1000+p.ChunkSize-1)/p.ChunkSize + p.Prefetch
	case ir.AccessRandom:
		return max(p.Frequency-p.CacheSize, 0)
	}
	return 0
}

func estimate(p *Plan, intent ir.Intent, resources map[string]*ir.Resource) Cost {
	var c Cost
	for _, st := range p.Steps {
		switch intent.Constraints[st.Constraint].Kind {
		case ir.ConstraintLocalTransform:
			c.Compute += costLocalCompute
		case ir.ConstraintRemoteTransform:
			c.Compute += costRemoteStep
		}
	}
	for _, con := range intent.Constraints {
		switch con.Kind {
		case ir.ConstraintRemoteTransform:
			c.Communication += costRemoteComm
		case ir.ConstraintDistributedSync:
			c.Communication += costSyncParticipant * int64(len(dedupe(con.Locations)))
		}
		for _, in := range con.Inputs {
			if r, ok := resources[in]; ok {
				c.Access += AccessSurcharge(r.AccessPattern)
			}
		}
	}
	c.Communication += costMigrationComm * int64(len(p.Migrations))
	c.Storage += costMigrationStore * int64(len(p.Migrations))
	for _, r := range resources {
		if r.CurrentLocation != p.Domain {
			c.Access += costRemoteResource
		}
	}
	c.Depth = depth(p.Steps)
	c.Total = c.Compute + c.Communication + c.Storage + c.Access
	return c
}

// depth is the number of steps on the longest dependency chain. Steps only
// depend on earlier steps.
func depth(steps []Step) int64 {
	d := make([]int64, len(steps))
	var longest int64
	for i, st := range steps {
		d[i] = 1
		for _, dep := range st.DependsOn {
			d[i] = max(d[i], d[dep]+1)
		}
		longest = max(longest, d[i])
	}
	return longest
}

type scoreKey struct {
	total     int64
	tie       int64
	preferred int
	domain    ir.DomainID
}

func (k scoreKey) less(o scoreKey) bool {
	return cmp.Or(
		cmp.Compare(k.total, o.total),
		cmp.Compare(k.tie, o.tie),
		cmp.Compare(k.preferred, o.preferred),
		cmp.Compare(k.domain, o.domain),
	) < 0
}

func score(p *Plan, req ir.LocationRequirements) scoreKey {
	k := scoreKey{total: p.Cost.Total, tie: tieBreak(p, req), preferred: 1, domain: p.Domain}
	if req.Preferred != "" && req.Preferred == p.Domain {
		k.preferred = 0
	}
	return k
}

// tieBreak ranks plans of equal total cost under the requested strategy.
func tieBreak(p *Plan, req ir.LocationRequirements) int64 {
	c := p.Cost
	switch req.Strategy {
	case ir.MinimizeTime:
		return c.Depth
	case ir.MinimizeResources:
		return c.Storage + int64(len(p.Steps))
	case ir.Balanced:
		return c.Depth + int64(len(p.Steps))
	case ir.CustomStrategy:
		if w := req.Weights; w != nil {
			return w.Compute*c.Compute + w.Communication*c.Communication + w.Storage*c.Storage +
				w.Access*c.Access + w.Depth*c.Depth
		}
	}
	return 0
}
