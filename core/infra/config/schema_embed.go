package config

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cordum/hookbridge/core/infra/schema"
)

const bridgeSchemaFile = "schema/bridge.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS

// checkBridgeSchema validates raw YAML against the embedded bridge schema
// before it is decoded into typed structs.
func checkBridgeSchema(data []byte) error {
	schemaBytes, err := configSchemaFS.ReadFile(bridgeSchemaFile)
	if err != nil {
		return fmt.Errorf("load bridge schema: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse bridge config: %w", err)
	}
	if err := schema.ValidateSchema("hookbridge-bridge-config", schemaBytes, doc); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	return nil
}
