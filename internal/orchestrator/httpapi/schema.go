package httpapi

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Taicho/common/fault"
)

// registerSchema validates slave registration descriptors before they reach
// the registry, so malformed descriptors fail with a precise message instead
// of a half-applied registration.
const registerSchema = `{
	"type": "object",
	"required": ["slave_id", "host", "port", "resources"],
	"properties": {
		"slave_id": {"type": "string", "minLength": 1, "pattern": "^[a-zA-Z0-9][a-zA-Z0-9._-]*$"},
		"host": {"type": "string", "minLength": 1},
		"port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"device_type": {"type": "string", "enum": ["single_board", "desktop", "server"]},
		"resources": {
			"type": "object",
			"required": ["max_agents"],
			"properties": {
				"cpu_cores": {"type": "integer", "minimum": 0},
				"memory_gb": {"type": "number", "minimum": 0},
				"max_agents": {"type": "integer", "minimum": 1},
				"gpu_present": {"type": "boolean"}
			}
		},
		"capabilities": {
			"type": "object",
			"properties": {
				"llm_providers": {"type": "array", "items": {"type": "string"}}
			}
		},
		"version": {"type": "object"},
		"install_method": {"type": "string", "enum": ["container", "isolated_runtime", "native", "unknown"]},
		"secret_ref": {"type": "string"}
	}
}`

var registerSchemaCompiled = mustCompileSchema("register.json", registerSchema)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

// validateRegistration checks the raw descriptor against the schema.
func validateRegistration(body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fault.Wrap(fault.BadRequest, err, "decode registration")
	}
	if err := registerSchemaCompiled.Validate(doc); err != nil {
		return fault.Wrap(fault.BadRequest, err, "invalid registration descriptor")
	}
	return nil
}
