package schema

import _ "embed"

// SpawnV1Schema contains the JSON schema for spawn manifests.
//
//go:embed spawn.v1.json
var SpawnV1Schema []byte
