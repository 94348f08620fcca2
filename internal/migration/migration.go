package migration

import (
	"fmt"

	"docengine/internal/dberr"
	"docengine/internal/schema"
)

// StepKind identifies one unit of work in a Plan.
type StepKind string

const (
	StepCreateStore   StepKind = "CREATE_STORE"
	StepDropStore     StepKind = "DROP_STORE"
	StepRebuildStore  StepKind = "REBUILD_STORE"
	StepAddIndex      StepKind = "ADD_INDEX"
	StepDropIndex     StepKind = "DROP_INDEX"
	StepBackfillIndex StepKind = "BACKFILL_INDEX"
	StepWriteMetadata StepKind = "WRITE_METADATA"
)

// Step is one unit of the migration plan, executed in order.
type Step struct {
	Kind   StepKind
	Store  schema.StoreSchema
	Index  schema.IndexSchema
	Reason string
}

// Plan is the ordered result of Planner.Plan. WipeDatabase, when true,
// means the executor must drop and recreate every store from scratch
// before carrying out Steps (which in that case is every store's
// CREATE_STORE step, in target schema order, followed by WRITE_METADATA).
type Plan struct {
	WipeDatabase bool
	Steps        []Step
	TargetSchema *schema.DbSchema
}

// Planner diffs a Catalog against a target schema.DbSchema.
type Planner struct{}

// NewPlanner returns a MigrationPlanner.
func NewPlanner() *Planner { return &Planner{} }

// Plan builds the ordered migration plan for moving the database from cat
// to target, honoring wipeIfExists (forces a full wipe regardless of
// version) and target.LastUsableVersion (forces a wipe when the
// persisted version predates it — spec.md §4.4's lastUsableVersion rule).
func (p *Planner) Plan(cat *Catalog, target *schema.DbSchema, wipeIfExists bool) (*Plan, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	if len(cat.Stores) > 0 && cat.Version > target.Version && !wipeIfExists {
		return nil, dberr.New(dberr.IncompatibleSchema, fmt.Sprintf(
			"persisted database version %d exceeds schema version %d", cat.Version, target.Version))
	}

	if target.WipeRequired(cat.Version, wipeIfExists) || len(cat.Stores) == 0 {
		return p.wipePlan(target), nil
	}

	plan := &Plan{TargetSchema: target}
	targetStores := make(map[string]struct{}, len(target.Stores))

	for _, ss := range target.Stores {
		targetStores[ss.Name] = struct{}{}
		entry, existed := cat.Stores[ss.Name]
		if !existed || !entry.Exists {
			plan.Steps = append(plan.Steps, Step{Kind: StepCreateStore, Store: ss, Reason: "store not present in catalog"})
			continue
		}
		p.diffStore(plan, ss, entry)
	}

	for name := range cat.Stores {
		if _, stillWanted := targetStores[name]; !stillWanted {
			plan.Steps = append(plan.Steps, Step{Kind: StepDropStore, Store: schema.StoreSchema{Name: name}, Reason: "store removed from schema"})
		}
	}

	plan.Steps = append(plan.Steps, Step{Kind: StepWriteMetadata, Reason: "persist new catalog"})
	return plan, nil
}

func (p *Planner) wipePlan(target *schema.DbSchema) *Plan {
	plan := &Plan{WipeDatabase: true, TargetSchema: target}
	for _, ss := range target.Stores {
		plan.Steps = append(plan.Steps, Step{Kind: StepCreateStore, Store: ss, Reason: "full wipe"})
	}
	plan.Steps = append(plan.Steps, Step{Kind: StepWriteMetadata, Reason: "persist new catalog"})
	return plan
}

// diffStore decides, per spec.md §4.4's decision tree, whether an
// existing store needs a full rebuild (an existing index's definition
// changed incompatibly — key path, multiEntry, or fullText flipped, which
// changes how existing rows must be re-indexed) or can be migrated
// additively (only new indexes appear; removed/unchanged ones are simple
// drops/no-ops that don't require touching nsp_data).
func (p *Planner) diffStore(plan *Plan, target schema.StoreSchema, cat StoreCatalogEntry) {
	needsRebuild := false
	for name, persisted := range cat.Indexes {
		if wanted, ok := indexByName(target.Indexes, name); ok {
			if !wanted.Equal(persisted) {
				needsRebuild = true
			}
		}
	}

	if needsRebuild {
		plan.Steps = append(plan.Steps, Step{Kind: StepRebuildStore, Store: target, Reason: "an existing index definition changed incompatibly"})
		return
	}

	for name := range cat.Indexes {
		if _, ok := indexByName(target.Indexes, name); !ok {
			plan.Steps = append(plan.Steps, Step{Kind: StepDropIndex, Store: target, Index: cat.Indexes[name], Reason: "index removed from schema"})
		}
	}
	for _, idx := range target.Indexes {
		if _, existed := cat.Indexes[idx.Name]; !existed {
			plan.Steps = append(plan.Steps, Step{Kind: StepAddIndex, Store: target, Index: idx, Reason: "new index"})
			if !idx.DoNotBackfill {
				plan.Steps = append(plan.Steps, Step{Kind: StepBackfillIndex, Store: target, Index: idx, Reason: "backfilling new index over existing rows"})
			}
		}
	}
}

func indexByName(indexes []schema.IndexSchema, name string) (schema.IndexSchema, bool) {
	for _, idx := range indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return schema.IndexSchema{}, false
}
