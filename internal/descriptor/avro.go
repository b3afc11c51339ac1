package descriptor

import (
	"encoding/json"
	"fmt"

	"sfingest/internal/metadata"
)

// avroTypeMapping maps source type tags to the Avro-style types the
// orchestrator's plugins expect in the embedded stage schema. Logical types
// follow the plugin documentation for the source system.
var avroTypeMapping = map[string]any{
	"Edm.String":  "string",
	"Edm.Guid":    "string",
	"Edm.Binary":  "bytes",
	"Edm.Int64":   "long",
	"Edm.Int32":   "int",
	"Edm.Int16":   "int",
	"Edm.Byte":    "bytes",
	"Edm.SByte":   "int",
	"Edm.Double":  "double",
	"Edm.Float":   "float",
	"Edm.Single":  "float",
	"Edm.Boolean": "boolean",
	"Edm.Decimal": map[string]any{
		"type":        "bytes",
		"logicalType": "decimal",
		"precision":   15,
		"scale":       2,
	},
	"Edm.DateTime": map[string]any{
		"type":        "string",
		"logicalType": "datetime",
	},
	"Edm.Time": map[string]any{
		"type":        "long",
		"logicalType": "time-micros",
	},
	"Edm.DateTimeOffset": map[string]any{
		"type":        "long",
		"logicalType": "timestamp-micros",
	},
	"Edm.Date": map[string]any{
		"type":        "int",
		"logicalType": "date",
	},
}

// avroSchemaJSON renders the record schema embedded in both pipeline stages.
// Nullable fields become a union with "null", matching how the orchestrator
// declares optional columns.
func avroSchemaJSON(meta *metadata.EntityMetadata) ([]byte, error) {
	fields := make([]map[string]any, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		t, ok := avroTypeMapping[f.SourceType]
		if !ok {
			return nil, &SubstitutionError{
				Placeholder: "schema",
				Reason:      fmt.Sprintf("field %q has no stage-schema type for %q", f.Name, f.SourceType),
			}
		}
		if f.Nullable {
			t = []any{t, "null"}
		}
		fields = append(fields, map[string]any{
			"name": f.Name,
			"type": t,
		})
	}

	schema := map[string]any{
		"type":   "record",
		"name":   "SuccessFactorsColumnMetadata",
		"fields": fields,
	}
	body, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("descriptor: marshal stage schema: %w", err)
	}
	return body, nil
}
