// Package openapi embeds the OpenAPI description of the HTTP API.
package openapi

import _ "embed"

// ContentType is the media type Spec is served with.
const ContentType = "application/yaml"

//go:embed ciomsdb.yaml
var apiSpec []byte

// Spec returns a copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), apiSpec...)
}
