// Package engine reduces compiled brick pipelines.
//
// Architecture:
//
// reducer.go    - Engine: step state machine, root resolution, side-channel trace
// dispatch.go   - Dispatcher: target resolution, remote gate, fan-out aggregation
// context.go    - ExecutionContext: append-only variable bindings per run
// schema.go     - Input schema validation of rendered brick args
// registry.go   - BrickRegistry: in-process brick catalog with aliases
// agent.go      - Agent: destination-side executor for envelopes from other frames
// config.go     - PipelineRegistry and static pipeline validation
// simulator.go  - Dry-run execution with captured side effects
// sidechannel.go - Trace sinks and error alert notifiers
//
// A run walks the steps in order. Each step may be skipped by its condition,
// dispatched to one or more frames, and bound into the context under its output
// key. A renderer without a display surface ends the run with a headless signal
// instead of a value.
package engine
