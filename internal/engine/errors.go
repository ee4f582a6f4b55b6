package engine

import (
	"errors"

	"github.com/arcore-io/arcore/internal/defs"
	"github.com/arcore-io/arcore/internal/graph"
	"github.com/arcore-io/arcore/internal/shard"
	"github.com/arcore-io/arcore/internal/sourcedb"
	"github.com/arcore-io/arcore/internal/state"
)

// ErrNoTarget is returned when a definition has no usable target binding.
var ErrNoTarget = errors.New("engine: no target binding")

// ErrTargetDeleted marks a row routed to a list that inventory says is gone.
var ErrTargetDeleted = errors.New("engine: target list deleted")

// isNotFound collapses the not-found sentinels of the layers below.
func isNotFound(err error) bool {
	return errors.Is(err, state.ErrNotFound) ||
		errors.Is(err, defs.ErrNotFound) ||
		errors.Is(err, graph.ErrNotFound)
}

// isSourceMissing reports whether a source lookup matched no row.
func isSourceMissing(err error) bool {
	return errors.Is(err, sourcedb.ErrNoRow)
}

// shardEvaluator builds the evaluator for a definition's sharding policy.
// Callers check def.Sharding != nil first.
func shardEvaluator(def *defs.Definition) *shard.Evaluator {
	return shard.NewEvaluator(*def.Sharding)
}
