package feedback

import (
	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of Record, published to presentation
// clients so they can validate payloads before posting them.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(&Record{})
}
