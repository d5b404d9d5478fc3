// Package registry implements the Range Registry: the
// lookup table from service-type identifier to its port range,
// preferred ports, and cardinality.
//
// Composition follows a base-then-override model: a shipped YAML
// document defines the built-in service types, and an optional
// user-editable JSONC override document is unioned on top, keyed by
// service-type name. JSONC loading strips comments with
// github.com/tidwall/jsonc before decoding with encoding/json, since
// config.json conventionally carries comments in the wild. Base
// document decoding uses gopkg.in/yaml.v3.
//
// Malformed entries — illegal port bounds, unknown cardinality — are
// dropped with a logged warning rather than failing the whole load.
package registry
