package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the lab file.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	s := r.Reflect(&Lab{})
	s.Title = "SUT lab file"
	return s
}

// SchemaJSON returns Schema indented for printing.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
