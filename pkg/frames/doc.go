// Package frames models the frame topology a run executes in and the documents
// frames expose for root resolution.
//
// Tree implements domain.FrameRegistry over surfaces, frames and their
// opener/target relationships. Document is an in-memory element tree with a
// small selector language: tag, #id, .class and [attr=value] compounds joined
// by descendant combinators.
package frames
