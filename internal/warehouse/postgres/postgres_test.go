package postgres

import (
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5"

	"sfingest/internal/warehouse"
)

func TestScheduleFingerprint(t *testing.T) {
	t.Parallel()

	sched := warehouse.Schedule{
		Name: "EmpJob_delta_merge",
		SQL:  "MERGE INTO refined.EmpJob ...",
		Cron: "30 14 * * *",
	}

	first := ScheduleFingerprint(sched)
	if len(first) != 16 {
		t.Fatalf("fingerprint %q is not 16 hex chars", first)
	}
	if again := ScheduleFingerprint(sched); again != first {
		t.Errorf("fingerprint not stable: %q vs %q", again, first)
	}

	// The fingerprint covers statement and cadence, nothing else.
	renamed := sched
	renamed.Name = "other_name"
	renamed.ServiceAccount = "someone@else"
	if ScheduleFingerprint(renamed) != first {
		t.Error("name and service account must not affect the fingerprint")
	}

	changedSQL := sched
	changedSQL.SQL += " WHERE 1=1"
	if ScheduleFingerprint(changedSQL) == first {
		t.Error("statement change must change the fingerprint")
	}

	changedCron := sched
	changedCron.Cron = "0 3 * * *"
	if ScheduleFingerprint(changedCron) == first {
		t.Error("cadence change must change the fingerprint")
	}
}

func TestSplitFQN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want pgx.Identifier
	}{
		{"hr_raw_ds_sfsf_ec.EmpJob", pgx.Identifier{"hr_raw_ds_sfsf_ec", "EmpJob"}},
		{"EmpJob", pgx.Identifier{"EmpJob"}},
		{"a.b.c", pgx.Identifier{"a", "b", "c"}},
	}
	for _, tt := range tests {
		if got := splitFQN(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitFQN(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
