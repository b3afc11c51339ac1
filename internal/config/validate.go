// This file adds a lightweight validator for Config values. It performs
// static checks over a loaded Config and returns a list of issues (errors
// and warnings) that callers can surface in the CLI or tests.
package config

import "fmt"

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be
	// surfaced to users but does not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding for a Config.
//
// Path is the configuration value's environment name (e.g. "WAREHOUSE_DSN").
// Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a
// single error in contexts that expect one.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Validate performs static validation of a Config. It does not mutate the
// config; callers decide whether warnings are fatal.
func Validate(cfg Config) []Issue {
	var issues []Issue

	required := []struct {
		path  string
		value string
	}{
		{"SOURCE_BASE_URL", cfg.SourceBaseURL},
		{"SOURCE_USER", cfg.SourceUser},
		{"SOURCE_PASSWORD", cfg.SourcePassword},
		{"SOURCE_CONNECTION_ID", cfg.SourceConnectionID},
		{"WAREHOUSE_DSN", cfg.WarehouseDSN},
		{"RAW_PROJECT_ID", cfg.RawProjectID},
		{"RF_PROJECT_ID", cfg.RefinedProjectID},
		{"OBJECT_STORE_ENDPOINT", cfg.ObjectStoreEndpoint},
		{"OBJECT_STORE_ACCESS_KEY", cfg.ObjectStoreAccessKey},
		{"OBJECT_STORE_SECRET_KEY", cfg.ObjectStoreSecretKey},
		{"STAGING_BUCKET", cfg.StagingBucket},
		{"PIPELINES_BUCKET", cfg.PipelineBucket},
	}
	for _, r := range required {
		if r.value == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     r.path,
				Message:  "required value is not set",
			})
		}
	}

	if cfg.ScheduleServiceAccount == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "SCHEDULE_SERVICE_ACCOUNT",
			Message:  "not set; scheduled merges will run as the warehouse default identity",
		})
	}
	if cfg.RawProjectID != "" && cfg.RawProjectID == cfg.RefinedProjectID {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "RF_PROJECT_ID",
			Message:  "refined layer shares the raw layer's project identifier",
		})
	}

	return issues
}

// HasErrors reports whether any issue in the list is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
