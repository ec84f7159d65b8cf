// Package domain defines the core types of the brick pipeline engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. It describes compiled pipelines, the tagged expressions they
// embed, the run outcome variants (value, headless hand-off, failure), the error
// taxonomy and the interfaces the engine consumes from its collaborators.
//
// Other packages (engine, transport, frames, config) implement the interfaces defined
// here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
