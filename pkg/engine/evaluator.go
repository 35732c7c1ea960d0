package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkeeter/halfspace/pkg/telemetry"
	"github.com/mkeeter/halfspace/pkg/world"
)

// Evaluator runs evaluation passes over a world, reusing cached results for
// blocks whose fingerprint did not change.
type Evaluator struct {
	capability Capability
	resolver   *Resolver
	cache      *Cache
	workers    int
	logger     zerolog.Logger
	telemetry  *telemetry.Telemetry

	// mu serializes passes; a pass holds it until it returns.
	mu        sync.Mutex
	graph     *Graph
	signature string
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithWorkers sets the number of concurrent workers. Values below two run
// blocks one at a time in topological order.
func WithWorkers(n int) Option {
	return func(e *Evaluator) {
		e.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger.With().Str("component", "evaluator").Logger()
	}
}

// WithTelemetry enables tracing, metrics and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Evaluator) {
		e.telemetry = t
	}
}

// NewEvaluator creates an evaluator for the given script capability.
func NewEvaluator(capability Capability, opts ...Option) *Evaluator {
	e := &Evaluator{
		capability: capability,
		resolver:   NewResolver(capability),
		cache:      NewCache(),
		workers:    1,
		logger:     zerolog.Nop(),
		telemetry:  telemetry.Disabled(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache returns the result cache.
func (e *Evaluator) Cache() *Cache {
	return e.cache
}

// Resolver returns the reference resolver.
func (e *Evaluator) Resolver() *Resolver {
	return e.resolver
}

// Graph builds the dependency graph of w without evaluating anything.
func (e *Evaluator) Graph(w *world.World) *Graph {
	owners, _ := e.owners(w)
	refs := make(map[world.BlockID][]Reference, w.Len())
	for _, b := range w.Blocks() {
		refs[b.ID] = e.resolver.Resolve(b).Refs
	}
	return NewGraphBuilder(w.Order(), owners, refs).Build()
}

// owners is world.Owners with names reserved by the capability taken away
// from their blocks. Such a block would otherwise be shadowed by the builtin
// in every expression that names it.
func (e *Evaluator) owners(w *world.World) (map[string]world.BlockID, map[world.BlockID]world.NameProblem) {
	owners, problems := w.Owners()
	for name, id := range owners {
		if e.capability.Reserved(name) {
			delete(owners, name)
			problems[id] = world.NameReserved
		}
	}
	return owners, problems
}

// pass holds the state of one evaluation pass. Results are staged here and
// only reach the cache once the pass completes.
type pass struct {
	runID       string
	blocks      map[world.BlockID]*world.Block
	owners      map[string]world.BlockID
	resolutions map[world.BlockID]*Resolution
	graph       *Graph

	mu      sync.RWMutex
	results Results

	invocations atomic.Int64
	hits        atomic.Int64
}

func (p *pass) result(id world.BlockID) *Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.results[id]
}

func (p *pass) store(r *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[r.Block] = r
}

// Evaluate runs a pass over w and returns a result for every block. The
// world must not be modified during the pass; callers pass a snapshot. If
// ctx is cancelled the pass is discarded and the cache is left untouched.
func (e *Evaluator) Evaluate(ctx context.Context, w *world.World) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	startedAt := time.Now()
	runID := uuid.New().String()
	logger := e.logger.With().Str("run_id", runID).Logger()

	ctx, span := e.telemetry.Tracer.StartPassSpan(ctx, runID, w.Len())
	defer span.End()
	e.telemetry.Metrics.RecordPassStarted()
	_ = e.telemetry.Events.PublishPassStarted(runID, w.Len())

	p := e.prepare(runID, w)
	graphReused := e.graph == p.graph
	e.graph = p.graph

	logger.Debug().
		Int("blocks", w.Len()).
		Int("cycles", len(p.graph.Cycles)).
		Bool("graph_reused", graphReused).
		Msg("Starting evaluation pass")

	var err error
	if e.workers > 1 {
		err = e.runParallel(ctx, p)
	} else {
		err = e.runSequential(ctx, p)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Evaluation pass cancelled, results discarded")
		telemetry.RecordError(span, err)
		e.telemetry.Metrics.RecordPassCompleted("cancelled", time.Since(startedAt), 0, 0)
		_ = e.telemetry.Events.PublishPassCompleted(runID, "cancelled", time.Since(startedAt))
		return nil, fmt.Errorf("evaluation pass %s: %w", runID, err)
	}

	report := e.commit(p, startedAt)
	report.Stats.GraphReused = graphReused

	status := "succeeded"
	if report.Stats.Errors > 0 {
		status = "partial"
	}
	span.SetAttributes(
		telemetry.AttrInvocations.Int(report.Stats.Invocations),
		telemetry.AttrCacheHits.Int(report.Stats.CacheHits),
		telemetry.AttrErrors.Int(report.Stats.Errors),
	)
	telemetry.RecordSuccess(span)
	e.telemetry.Metrics.RecordPassCompleted(status, report.Stats.Duration, report.Stats.Invocations, report.Stats.CacheHits)
	e.telemetry.Metrics.SetBlockCount(float64(report.Stats.Blocks))
	_ = e.telemetry.Events.PublishPassCompleted(runID, status, report.Stats.Duration)

	logger.Info().
		Int("blocks", report.Stats.Blocks).
		Int("invocations", report.Stats.Invocations).
		Int("cache_hits", report.Stats.CacheHits).
		Int("errors", report.Stats.Errors).
		Dur("duration", report.Stats.Duration).
		Msg("Evaluation pass completed")

	return report, nil
}

// prepare resolves every block, builds or reuses the graph and records the
// results that need no evaluation: name errors and cycle members.
func (e *Evaluator) prepare(runID string, w *world.World) *pass {
	owners, problems := e.owners(w)
	order := w.Order()

	p := &pass{
		runID:       runID,
		blocks:      make(map[world.BlockID]*world.Block, len(order)),
		owners:      owners,
		resolutions: make(map[world.BlockID]*Resolution, len(order)),
		results:     make(Results, len(order)),
	}

	refs := make(map[world.BlockID][]Reference, len(order))
	for _, b := range w.Blocks() {
		p.blocks[b.ID] = b
		res := e.resolver.Resolve(b)
		p.resolutions[b.ID] = res
		refs[b.ID] = res.Refs
	}

	signature := graphSignature(order, owners, refs)
	if e.graph != nil && signature == e.signature {
		p.graph = e.graph
	} else {
		p.graph = NewGraphBuilder(order, owners, refs).Build()
		e.signature = signature
	}

	for _, id := range order {
		if problem, ok := problems[id]; ok {
			p.results[id] = errorResult(NewNameError(id, p.blocks[id].Name, problem))
			continue
		}
		if cycle, ok := p.graph.Cycle(id); ok {
			p.results[id] = errorResult(cycle.forBlock(id))
		}
	}
	return p
}

// runSequential evaluates blocks one at a time in topological order.
func (e *Evaluator) runSequential(ctx context.Context, p *pass) error {
	for _, id := range p.graph.Order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.result(id) != nil {
			continue
		}
		p.store(e.evaluateBlock(ctx, p, id))
	}
	return nil
}

// commit writes the staged results of a completed pass to the cache and
// drops entries of blocks that no longer exist.
func (e *Evaluator) commit(p *pass, startedAt time.Time) *Report {
	live := make(map[world.BlockID]bool, len(p.blocks))
	report := &Report{
		RunID:     p.runID,
		Results:   p.results,
		Order:     p.graph.Order,
		Cycles:    p.graph.Cycles,
		StartedAt: startedAt,
	}

	for id, r := range p.results {
		live[id] = true
		if r.State.IsError() {
			report.Stats.Errors++
		}
		if r.Fingerprint != "" && !r.Cached {
			e.cache.Put(id, r.Fingerprint, r)
		}
	}
	e.cache.Retain(live)
	e.resolver.Retain(live)

	report.Stats.Blocks = len(p.results)
	report.Stats.Invocations = int(p.invocations.Load())
	report.Stats.CacheHits = int(p.hits.Load())
	report.Stats.Duration = time.Since(startedAt)
	return report
}

// evaluateBlock computes the result of one block. Every producer of the
// block has a result in the pass when this is called.
func (e *Evaluator) evaluateBlock(ctx context.Context, p *pass, id world.BlockID) *Result {
	start := time.Now()
	b := p.blocks[id]
	res := p.resolutions[id]

	deps := make([]dependency, len(res.Refs))
	for i, ref := range res.Refs {
		deps[i] = dependency{ref: ref}
		if producer, ok := p.owners[ref.Name]; ok {
			deps[i].producer = producer
			deps[i].found = true
			deps[i].result = p.result(producer)
		}
	}
	fp := fingerprint(b, deps)

	if entry, ok := e.cache.Get(id); ok && entry.Fingerprint == fp {
		p.hits.Add(1)
		r := *entry.Result
		r.Cached = true
		e.observe(p, b, &r, start)
		return &r
	}

	ctx, span := e.telemetry.Tracer.StartBlockSpan(ctx, p.runID, id.String(), b.Name)
	r := e.compute(ctx, p, b, res, deps)
	r.Fingerprint = fp
	if r.Err != nil {
		telemetry.RecordError(span, r.Err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()

	e.observe(p, b, r, start)
	return r
}

func (e *Evaluator) observe(p *pass, b *world.Block, r *Result, start time.Time) {
	e.telemetry.Metrics.RecordBlockEvaluated(string(r.State), r.Cached, time.Since(start))
	_ = e.telemetry.Events.PublishBlockEvaluated(p.runID, b.ID.String(), b.Name, string(r.State))

	ev := e.logger.Debug().
		Str("run_id", p.runID).
		Str("block", b.ID.String()).
		Str("name", b.Name).
		Str("state", string(r.State)).
		Bool("cached", r.Cached)
	if r.Err != nil {
		ev = ev.Str("error", r.Err.Error())
	}
	ev.Msg("Block evaluated")
}

// compute evaluates a block whose cached result is stale or missing.
func (e *Evaluator) compute(ctx context.Context, p *pass, b *world.Block, res *Resolution, deps []dependency) *Result {
	if res.Err != nil {
		return errorResult(res.Err)
	}

	for _, d := range deps {
		if !d.found {
			return errorResult(NewMissingReferenceError(b.ID, d.ref.Name))
		}
	}
	for _, d := range deps {
		if d.result == nil {
			return errorResult(NewPropagatedError(b.ID, d.producer))
		}
		if d.result.Err != nil {
			return errorResult(NewPropagatedError(b.ID, d.result.Err.rootCause()))
		}
	}

	scope := make(map[string]Value, len(deps))
	for _, d := range deps {
		if d.ref.Output != "" && p.blocks[d.producer].Kind() == world.KindScript {
			if _, ok := d.result.Outputs[d.ref.Output]; !ok {
				return errorResult(NewMissingReferenceError(b.ID, d.ref.String()))
			}
		}
		scope[d.ref.Name] = d.result.Value
	}

	switch b.Def.(type) {
	case world.Value:
		v, err := e.capability.EvalExpr(ctx, res.exprs[valueSlot], scope)
		if err != nil {
			return errorResult(NewRuntimeError(b.ID, err).WithSlot(valueSlot))
		}
		return &Result{Block: b.ID, State: StateValid, Value: v}

	case world.Script:
		inputs := make(map[string]Value, len(res.slots))
		for _, slot := range res.slots {
			v, err := e.capability.EvalExpr(ctx, res.exprs[slot], scope)
			if err != nil {
				return errorResult(NewRuntimeError(b.ID, err).WithSlot(slot))
			}
			inputs[slot] = v
		}

		p.invocations.Add(1)
		out, err := e.capability.Execute(ctx, res.program, inputs)
		if err != nil {
			return errorResult(NewRuntimeError(b.ID, err))
		}
		return &Result{
			Block:   b.ID,
			State:   StateValid,
			Value:   e.capability.Publish(out.Values),
			Outputs: out.Values,
			Stdout:  out.Stdout,
		}
	}

	return errorResult(NewParseError(b.ID, fmt.Errorf("unsupported block definition %T", b.Def)))
}

func errorResult(err *BlockError) *Result {
	return &Result{
		Block: err.Block,
		State: stateFor(err.Kind),
		Err:   err,
	}
}
