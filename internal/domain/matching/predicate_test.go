package matching

import (
	"reflect"
	"strings"
	"testing"

	"github.com/dicomrouter/router/internal/platform/dimse"
)

func rowWith(kv ...string) Row {
	fields := make(map[string]string)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return Row{Fields: fields}
}

func single(t *testing.T, ds dimse.Dataset) Predicate {
	t.Helper()
	res := Build(ds)
	if len(res.Predicates) != 1 {
		t.Fatalf("expected 1 predicate, got %d (%+v)", len(res.Predicates), res)
	}
	return res.Predicates[0]
}

func TestAttributeTable(t *testing.T) {
	for _, a := range Attributes() {
		got, ok := LookupAttribute(a.Keyword)
		if !ok || got.Column != a.Column {
			t.Errorf("lookup %s failed", a.Keyword)
		}
	}
	if _, ok := LookupAttribute("OtherPatientIDs"); ok {
		t.Error("OtherPatientIDs should not be in the table")
	}
}

func TestBuildAttributeIndex_PanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate keyword")
		}
	}()
	buildAttributeIndex([]Attribute{
		{Keyword: "PatientID", Field: FieldPatientID, Column: "w.patient_id"},
		{Keyword: "PatientID", Field: FieldPatientID, Column: "w.patient_id"},
	})
}

func TestBuildAttributeIndex_PanicsOnMissingColumn(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing column")
		}
	}()
	buildAttributeIndex([]Attribute{{Keyword: "Modality", Field: FieldModality}})
}

func TestBuild_UniversalEmitsNothing(t *testing.T) {
	ds := dimse.Dataset{}
	ds.Set("PatientName", "").Set("PatientID", "  ").Set("StudyDate", "").Set("Modality", "*")
	res := Build(ds)
	if len(res.Predicates) != 0 {
		t.Errorf("expected no predicates for universal matching, got %+v", res.Predicates)
	}
	if len(res.Unsupported) != 0 {
		t.Errorf("expected nothing unsupported, got %+v", res.Unsupported)
	}
}

func TestBuild_UnknownKeywordDropped(t *testing.T) {
	ds := dimse.Dataset{}
	ds.Set("OtherPatientIDs", "X1").Set("Modality", "CT").Set("QueryRetrieveLevel", "STUDY")
	res := Build(ds)
	if len(res.Predicates) != 1 || res.Predicates[0].Attribute.Keyword != "Modality" {
		t.Errorf("expected only Modality predicate, got %+v", res.Predicates)
	}
	if len(res.Unsupported) != 1 || res.Unsupported[0].Keyword != "OtherPatientIDs" {
		t.Errorf("expected OtherPatientIDs unsupported, got %+v", res.Unsupported)
	}
}

func TestBuild_Modes(t *testing.T) {
	tests := []struct {
		keyword string
		value   string
		mode    Mode
	}{
		{"StudyInstanceUID", "1.2.3", ModeUIDList},
		{"SeriesInstanceUID", `1.2.3.1\1.2.3.2`, ModeUIDList},
		{"PatientID", "P*", ModeWildcard},
		{"PatientID", "P100", ModeSingle},
		{"PatientName", "SMITH", ModeSubstring},
		{"PatientName", "SMITH*", ModeWildcard},
		{"ScheduledProcedureStepStartDate", "20240101-20240131", ModeRange},
		{"StudyTime", "080000-", ModeRange},
		{"StudyDate", "20240101", ModeSingle},
	}
	for _, tt := range tests {
		p := single(t, dimse.Dataset{}.Set(tt.keyword, tt.value))
		if p.Mode != tt.mode {
			t.Errorf("%s=%q: expected %s, got %s", tt.keyword, tt.value, tt.mode, p.Mode)
		}
	}
}

func TestBuild_UIDListSplits(t *testing.T) {
	p := single(t, dimse.Dataset{}.Set("StudyInstanceUID", `1.2.3\1.2.4\`))
	if !reflect.DeepEqual(p.UIDs, []string{"1.2.3", "1.2.4"}) {
		t.Errorf("expected two UIDs, got %v", p.UIDs)
	}
}

func TestBuild_RejectsMalformed(t *testing.T) {
	ds := dimse.Dataset{}
	ds.Set("StudyDate", "2024-01-01-2024").Set("StudyInstanceUID", "1.2.*")
	res := Build(ds)
	if len(res.Predicates) != 0 {
		t.Errorf("expected no predicates, got %+v", res.Predicates)
	}
	if len(res.Unsupported) != 2 {
		t.Errorf("expected 2 unsupported attributes, got %+v", res.Unsupported)
	}
}

func TestBuild_SequenceUnwrappedOneLevel(t *testing.T) {
	step := dimse.Dataset{}
	step.Set("Modality", "MR").
		Set("ScheduledStationAETitle", "").
		Set("ScheduledProcedureStepStartDate", "20240301-").
		SetSequence("ScheduledProtocolCodeSequence", dimse.Dataset{}.Set("CodeValue", "X"))
	ds := dimse.Dataset{}
	ds.Set("PatientName", "").SetSequence("ScheduledProcedureStepSequence", step)

	res := Build(ds)
	if len(res.Predicates) != 2 {
		t.Fatalf("expected 2 predicates from sequence, got %+v", res.Predicates)
	}
	kws := []string{res.Predicates[0].Attribute.Keyword, res.Predicates[1].Attribute.Keyword}
	if kws[0] != "Modality" || kws[1] != "ScheduledProcedureStepStartDate" {
		t.Errorf("unexpected keywords %v", kws)
	}
	if len(res.Unsupported) != 1 || res.Unsupported[0].Reason != "nested sequence" {
		t.Errorf("expected nested sequence dropped, got %+v", res.Unsupported)
	}
}

func TestWildcard_StarAndQuestion(t *testing.T) {
	star := single(t, dimse.Dataset{}.Set("PatientName", "SMITH*"))
	for name, want := range map[string]bool{
		"SMITH":    true,
		"SMITHSON": true,
		"smithers": true,
		"SM1TH":    false,
		"JSMITH":   false,
	} {
		if got := star.Match(rowWith(FieldPatientName, name)); got != want {
			t.Errorf("SMITH* vs %s: expected %v, got %v", name, want, got)
		}
	}

	q := single(t, dimse.Dataset{}.Set("PatientID", "P?1"))
	for id, want := range map[string]bool{
		"P01":  true,
		"PX1":  true,
		"P1":   false,
		"P001": false,
	} {
		if got := q.Match(rowWith(FieldPatientID, id)); got != want {
			t.Errorf("P?1 vs %s: expected %v, got %v", id, want, got)
		}
	}
}

func TestPersonName_Substring(t *testing.T) {
	p := single(t, dimse.Dataset{}.Set("PatientName", "santo^"))
	if !p.Match(rowWith(FieldPatientName, "Budi Santoso")) {
		t.Error("expected substring match")
	}
	if p.Match(rowWith(FieldPatientName, "Budi")) {
		t.Error("unexpected match")
	}
}

func TestSingleValue_CaseInsensitive(t *testing.T) {
	p := single(t, dimse.Dataset{}.Set("Modality", "ct"))
	if !p.Match(rowWith(FieldModality, "CT")) {
		t.Error("expected case-insensitive equality")
	}
	if p.Match(rowWith(FieldModality, "CTA")) {
		t.Error("single value must not match a prefix")
	}
}

func TestRange_OpenEnds(t *testing.T) {
	before := single(t, dimse.Dataset{}.Set("ScheduledProcedureStepStartDate", "-20240101"))
	after := single(t, dimse.Dataset{}.Set("ScheduledProcedureStepStartDate", "20240101-"))
	closed := single(t, dimse.Dataset{}.Set("ScheduledProcedureStepStartDate", "20240101-20240131"))

	tests := []struct {
		date                  string
		before, after, inside bool
	}{
		{"20231231", true, false, false},
		{"20240101", true, true, true},
		{"20240115", false, true, true},
		{"20240201", false, true, false},
		{"", false, false, false},
	}
	for _, tt := range tests {
		row := rowWith(FieldScheduledDate, tt.date)
		if got := before.Match(row); got != tt.before {
			t.Errorf("-20240101 vs %q: expected %v, got %v", tt.date, tt.before, got)
		}
		if got := after.Match(row); got != tt.after {
			t.Errorf("20240101- vs %q: expected %v, got %v", tt.date, tt.after, got)
		}
		if got := closed.Match(row); got != tt.inside {
			t.Errorf("closed range vs %q: expected %v, got %v", tt.date, tt.inside, got)
		}
	}
}

func TestInstanceUIDs_MatchLedger(t *testing.T) {
	p := single(t, dimse.Dataset{}.Set("SOPInstanceUID", `9.9\1.2.3.1.1`))
	row := Row{Fields: map[string]string{FieldStudyUID: "1.2.3"}, InstanceUIDs: []string{"1.2.3.1.1"}}
	if !p.Match(row) {
		t.Error("expected SOP instance match")
	}
	row.InstanceUIDs = nil
	if p.Match(row) {
		t.Error("expected no match without stored instances")
	}
}

func TestBuildSQL(t *testing.T) {
	ds := dimse.Dataset{}
	ds.Set("AccessionNumber", "ACC1").
		Set("PatientID", "50%_off*").
		Set("PatientName", "O'BRIEN*").
		Set("ScheduledProcedureStepStartDate", "20240101-").
		Set("SeriesInstanceUID", "1.2.3.1")

	where, args := BuildSQL(Build(ds).Predicates)

	wantParts := []string{
		"1=1 AND ",
		"lower(w.accession_number) = lower($1)",
		"w.patient_id ILIKE $2",
		"COALESCE(p.name, '') ILIKE $3",
		"(w.scheduled_date <> '' AND w.scheduled_date >= $4)",
		"di.series_uid = ANY($5)",
	}
	for _, part := range wantParts {
		if !strings.Contains(where, part) {
			t.Errorf("expected %q in %s", part, where)
		}
	}
	if strings.Contains(where, "O'BRIEN") {
		t.Error("values must be parameterized, not inlined")
	}
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %d: %v", len(args), args)
	}
	if args[1] != `50\%\_off%` {
		t.Errorf("expected escaped pattern, got %v", args[1])
	}
	if args[2] != "O'BRIEN%" {
		t.Errorf("expected O'BRIEN%%, got %v", args[2])
	}
	if uids, ok := args[4].([]string); !ok || len(uids) != 1 || uids[0] != "1.2.3.1" {
		t.Errorf("expected series UID slice, got %#v", args[4])
	}
}

func TestBuildSQL_NoPredicates(t *testing.T) {
	where, args := BuildSQL(nil)
	if where != "1=1" || len(args) != 0 {
		t.Errorf("expected bare 1=1, got %q %v", where, args)
	}
}

func TestLikePattern(t *testing.T) {
	tests := map[string]string{
		"SMITH*": "SMITH%",
		"J?NE":   "J_NE",
		"100%*":  `100\%%`,
		`A_B\C*`: `A\_B\\C%`,
		"NOWILD": "NOWILD",
	}
	for in, want := range tests {
		if got := likePattern(in); got != want {
			t.Errorf("likePattern(%q) = %q, want %q", in, got, want)
		}
	}
}
