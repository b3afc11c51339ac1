// Package descriptor synthesizes the continuous-sync pipeline document for
// the downstream orchestration engine from entity metadata.
//
// The document is built by string-substitution over a fixed base template
// and is never partially filled: a placeholder with no corresponding
// metadata value fails the build with *SubstitutionError, and any token left
// unresolved after substitution does the same. The result is a self-contained
// JSON artifact; this system uploads it but never executes it.
package descriptor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sfingest/internal/metadata"
	"sfingest/pkg/logger"
)

// SubstitutionError reports a template placeholder that could not be filled
// from metadata, or a token still present after substitution.
type SubstitutionError struct {
	Placeholder string
	Reason      string
}

func (e *SubstitutionError) Error() string {
	return fmt.Sprintf("descriptor: placeholder %q: %s", e.Placeholder, e.Reason)
}

// Params carries the environment-level values substituted alongside the
// entity metadata.
type Params struct {
	// ConnectionID references the source connection known to the
	// orchestrator.
	ConnectionID string
	// Dataset and Bucket locate the sink: target dataset and the staging
	// bucket the orchestrator uses for its own loads.
	Dataset string
	Bucket  string
	// Schedule is the sync cadence in cron form.
	Schedule string
}

// Descriptor is a fully substituted pipeline document.
type Descriptor struct {
	Name string
	Body []byte
}

// FileName returns the artifact file name for an entity's descriptor.
func FileName(entity string) string {
	return entity + "_SuccessFactors-cdap-data-pipeline.json"
}

// Build instantiates the base template for the entity. All substitutions are
// validated up front; the output is additionally checked to contain no
// unresolved tokens and to be valid JSON.
func Build(meta *metadata.EntityMetadata, params Params) (*Descriptor, error) {
	if len(meta.KeyFields) == 0 {
		return nil, &SubstitutionError{Placeholder: "upsertKeys", Reason: "no key fields resolved"}
	}

	schema, err := avroSchemaJSON(meta)
	if err != nil {
		return nil, err
	}
	// The schema is embedded as a JSON string value, so it is quoted once
	// more before substitution.
	quotedSchema, err := json.Marshal(string(schema))
	if err != nil {
		return nil, fmt.Errorf("descriptor: quote schema: %w", err)
	}

	subs := map[string]string{
		"name":       meta.Name + "_SuccessFactors",
		"entity":     meta.Name,
		"connection": params.ConnectionID,
		"dataset":    params.Dataset,
		"table":      meta.Name,
		"bucket":     params.Bucket,
		"upsertKeys": upsertKeys(meta),
		"filter":     watermarkFilter(meta.LastModifiedField),
		"select":     strings.Join(meta.FieldNames(), ","),
		"schedule":   params.Schedule,
		"schema":     string(quotedSchema),
	}

	pairs := make([]string, 0, 2*len(subs))
	for token, value := range subs {
		if value == "" {
			return nil, &SubstitutionError{Placeholder: token, Reason: "no metadata value available"}
		}
		pairs = append(pairs, "{{"+token+"}}", value)
	}

	body := strings.NewReplacer(pairs...).Replace(baseTemplate)

	if i := strings.Index(body, "{{"); i >= 0 {
		end := strings.Index(body[i:], "}}")
		token := body[i:]
		if end >= 0 {
			token = body[i : i+end+2]
		}
		return nil, &SubstitutionError{Placeholder: token, Reason: "unresolved after substitution"}
	}
	if !json.Valid([]byte(body)) {
		return nil, fmt.Errorf("descriptor: substituted document is not valid JSON")
	}

	return &Descriptor{Name: meta.Name + "_SuccessFactors", Body: []byte(body)}, nil
}

// upsertKeys joins the entity keys plus the watermark field, the composite
// the orchestrator upserts on.
func upsertKeys(meta *metadata.EntityMetadata) string {
	keys := append([]string(nil), meta.KeyFields...)
	keys = append(keys, meta.LastModifiedField)
	return strings.Join(keys, ",")
}

// watermarkFilter renders the incremental filter over the watermark field.
// The embedded $-expressions are orchestrator macros evaluated at run time.
func watermarkFilter(watermark string) string {
	return watermark + " ge datetime'${logicalStartTime(yyyy-MM-dd,1d)}T00:00:00' and " +
		watermark + " le datetime'${logicalStartTime(yyyy-MM-dd'T'HH:mm:ss)}'"
}

// Uploader is the slice of the object store the publisher needs.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Publish writes the descriptor under outDir and uploads it to the artifact
// bucket. The local copy is kept for inspection.
func Publish(ctx context.Context, d *Descriptor, outDir string, store Uploader, log logger.Logger) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("descriptor: create out dir: %w", err)
	}
	name := FileName(strings.TrimSuffix(d.Name, "_SuccessFactors"))
	path := filepath.Join(outDir, name)
	if err := os.WriteFile(path, d.Body, 0o644); err != nil {
		return "", fmt.Errorf("descriptor: write %s: %w", path, err)
	}

	uri, err := store.Upload(ctx, path, name)
	if err != nil {
		return "", err
	}
	log.Info("pipeline descriptor published", logger.String("descriptor", d.Name), logger.String("uri", uri))
	return uri, nil
}
