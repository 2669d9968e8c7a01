// Package protocol frames registered message schemas on the wire.
//
// Ownership boundary:
// - type registry and header/footer binding
// - [u16 len][type name][header][body][footer] framing
// - per-source incomplete-input buffers
// - classification of decode failures into Outcome values
//
// Field layout, value sources and bit packing live in the schema and codec
// packages.
package protocol
