package data

import _ "embed"

// Interventions stores the intervention dataset so the binary carries its
// own Event Store and never reads it from disk at runtime.
//
//go:embed interventions.json
var Interventions []byte
