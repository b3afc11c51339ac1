package schemamap

import (
	"errors"
	"reflect"
	"testing"

	"sfingest/internal/metadata"
)

func TestMapTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		source string
		want   Type
	}{
		{"Edm.String", TypeString},
		{"Edm.Guid", TypeString},
		{"Edm.Binary", TypeString},
		{"Edm.Int64", TypeInteger},
		{"Edm.Int32", TypeInteger},
		{"Edm.Int16", TypeInteger},
		{"Edm.Byte", TypeInteger},
		{"Edm.SByte", TypeInteger},
		{"Edm.Double", TypeFloat},
		{"Edm.Float", TypeFloat},
		{"Edm.Single", TypeFloat},
		{"Edm.Decimal", TypeFloat},
		{"Edm.Boolean", TypeBoolean},
		{"Edm.DateTime", TypeTimestamp},
		{"Edm.DateTimeOffset", TypeTimestamp},
		{"Edm.Time", TypeTimestamp},
		{"Edm.Date", TypeDate},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.source, func(t *testing.T) {
			t.Parallel()

			specs, err := Map([]metadata.Field{{Name: "f", SourceType: tt.source, Nullable: true}})
			if err != nil {
				t.Fatalf("Map: %v", err)
			}
			if specs[0].Type != tt.want {
				t.Errorf("Map(%s) = %s, want %s", tt.source, specs[0].Type, tt.want)
			}
		})
	}
}

func TestMapPreservesOrderAndAttrs(t *testing.T) {
	t.Parallel()

	fields := []metadata.Field{
		{Name: "userId", SourceType: "Edm.String", Nullable: false, Description: "User ID"},
		{Name: "seqNumber", SourceType: "Edm.Int64", Nullable: false},
		{Name: "lastModifiedDateTime", SourceType: "Edm.DateTime", Nullable: true},
	}
	specs, err := Map(fields)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := Names(specs); !reflect.DeepEqual(got, []string{"userId", "seqNumber", "lastModifiedDateTime"}) {
		t.Errorf("Names = %v", got)
	}
	if specs[0].Nullable {
		t.Error("userId should not be nullable")
	}
	if specs[0].Description != "User ID" {
		t.Errorf("Description = %q", specs[0].Description)
	}
	if specs[2].Type != TypeTimestamp || !specs[2].Nullable {
		t.Errorf("watermark spec = %+v", specs[2])
	}
}

func TestMapDeterministic(t *testing.T) {
	t.Parallel()

	fields := []metadata.Field{
		{Name: "a", SourceType: "Edm.String"},
		{Name: "b", SourceType: "Edm.Decimal"},
	}
	first, err := Map(fields)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Map(fields)
		if err != nil {
			t.Fatalf("Map: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("mapping not deterministic: %v vs %v", first, again)
		}
	}
}

func TestMapUnsupportedSourceType(t *testing.T) {
	t.Parallel()

	_, err := Map([]metadata.Field{
		{Name: "ok", SourceType: "Edm.String"},
		{Name: "blob", SourceType: "Edm.Geography"},
	})
	var ute *UnsupportedSourceTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("expected *UnsupportedSourceTypeError, got %v", err)
	}
	if ute.Field != "blob" || ute.SourceType != "Edm.Geography" {
		t.Errorf("error = %+v", ute)
	}
}

func TestDatasetName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		module  string
		want    string
		wantErr bool
	}{
		{"code in parens", "Employment Information (EC)", "ds_sfsf_ec", false},
		{"mixed case code", "Recruiting (RCM)", "ds_sfsf_rcm", false},
		{"no parens", "Foundation Objects", "ds_sfsf_foundation_objects", false},
		{"diacritics", "Rémunération (PAIE)", "ds_sfsf_paie", false},
		{"punctuation collapsed", "Time & Attendance", "ds_sfsf_time_attendance", false},
		{"empty code", "()", "", true},
		{"empty module", "", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DatasetName(tt.module)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DatasetName(%q) = %q, want error", tt.module, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DatasetName(%q): %v", tt.module, err)
			}
			if got != tt.want {
				t.Errorf("DatasetName(%q) = %q, want %q", tt.module, got, tt.want)
			}
		})
	}
}

func TestDatasetNameIdempotent(t *testing.T) {
	t.Parallel()

	first, err := DatasetName("Employment Information (EC)")
	if err != nil {
		t.Fatalf("DatasetName: %v", err)
	}
	again, err := DatasetName("Employment Information (EC)")
	if err != nil {
		t.Fatalf("DatasetName: %v", err)
	}
	if first != again {
		t.Errorf("not deterministic: %q vs %q", first, again)
	}
}
