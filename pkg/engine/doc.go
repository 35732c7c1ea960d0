// Package engine evaluates a world of blocks incrementally.
//
// # Overview
//
// Blocks read each other by name. A pass runs in four steps:
//
//  1. Resolve - parse every block and collect the references it reads (Resolver)
//  2. Graph - derive edges, detect cycles and order blocks (GraphBuilder)
//  3. Evaluate - compute stale blocks and reuse cached ones (Evaluator)
//  4. Commit - store the new results once the pass completes (Cache)
//
// Nothing in the engine understands script syntax. Parsing, execution and
// reference extraction go through the Capability interface, implemented
// with Starlark by package script.
//
// # Results
//
// Every live block gets a Result with a State. Failures never abort a pass:
// a block whose dependency failed gets a propagated error naming the block
// where the failure started, and blocks in a dependency cycle each carry the
// cycle error that covers them.
//
// # Caching
//
// A block's Fingerprint hashes its definition together with the
// fingerprints of the blocks it reads. A block is recomputed only when its
// fingerprint differs from the cached one, so an edit invalidates the edited
// block and its transitive dependents and nothing else.
//
// # Concurrency
//
// With WithWorkers(n) for n > 1, blocks whose producers are finished run on
// a pool of n workers. Results are identical to the sequential walk. A
// cancelled pass returns an error and leaves the cache as it was.
//
// # Sessions
//
// Session wraps a world, its undo history and an evaluator behind one
// mutex:
//
//	s := engine.NewSession(engine.NewEvaluator(script.New(script.Options{})), codec, logger)
//	a, _ := s.AddBlock(world.KindValue, "a")
//	_ = s.UpdateBlock(a, world.Value{Input: "5"})
//	report, err := s.Evaluate(ctx)
//
// Editing the session while a pass runs cancels that pass.
package engine
