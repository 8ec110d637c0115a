// Package openapi embeds the OpenAPI description of the HTTP API.
package openapi

import _ "embed"

//go:embed propledger.yaml
var document []byte

// ContentType is the media type the document is served with.
const ContentType = "application/yaml"

// Spec returns a copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), document...)
}
