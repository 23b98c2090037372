// Package engine runs a manifest: it builds the declared systems into one
// ecs schedule per stage, ticks the stages at the manifest's tick rate and
// swaps in reloaded manifests between ticks.
//
// # Lifecycle
//
// New builds every system, rebuilds every stage graph and evaluates the
// manifest's policies before returning, so a manifest with an unknown
// system, an ordering cycle or an enforced policy violation never produces
// an engine:
//
//	e, err := engine.New(ctx, manifest, engine.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	err = e.Run(ctx, engine.RunOptions{Updates: watcher.Updates()})
//
// Run ticks until the context is done, a tick budget is spent or a tick
// fails. Updates delivered on RunOptions.Updates are applied between ticks
// through Reload. A manifest that fails to build, plan or pass enforced
// policies is rejected and the current stages keep running. The world is
// shared across reloads.
//
// # Plans
//
// Plan returns a Report of every stage graph. Check produces the same
// report without creating an engine and Render writes a report as text,
// JSON, YAML or Graphviz DOT.
//
// # Errors
//
// Errors are *EngineError values tagged with the Phase they came from.
// Use PhaseOf, IsBuild, IsPolicy and IsTick to inspect them.
package engine
