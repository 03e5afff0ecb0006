package record

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/apperr"
)

type fakeReader struct {
	headers map[string]*Header
}

func (f *fakeReader) ReadHeader(path string) (*Header, error) {
	h, ok := f.headers[filepath.Base(path)]
	if !ok {
		return nil, errors.New("not a DICOM file")
	}
	return h, nil
}

func header(series string, seriesNo int, sop string, instNo int) *Header {
	return &Header{
		PatientID:         "P1",
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: series,
		SOPInstanceUID:    sop,
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		AccessionNumber:   "ACC1",
		Modality:          "CT",
		StudyDescription:  "CT THORAX",
		StudyDate:         "20240305",
		StudyTime:         "093015.123",
		SeriesDate:        "20240305",
		SeriesTime:        "0931",
		SeriesNumber:      seriesNo,
		InstanceNumber:    instNo,
		ImageType:         []string{"ORIGINAL", "PRIMARY", "AXIAL"},
	}
}

// writeStudy creates empty .dcm files named after the headers' map keys.
func writeStudy(t *testing.T, headers map[string]*Header) string {
	t.Helper()
	dir := t.TempDir()
	for name, h := range headers {
		seriesDir := filepath.Join(dir, h.SeriesInstanceUID)
		if err := os.MkdirAll(seriesDir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(seriesDir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestBuilder(headers map[string]*Header) *Builder {
	b := NewBuilder(&fakeReader{headers: headers}, "ORG1", zerolog.Nop())
	b.loc = time.FixedZone("WIB", 7*3600)
	b.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return b
}

func TestBuild_TwoSeries(t *testing.T) {
	headers := map[string]*Header{
		"a3.dcm": header("1.2.3.2", 2, "1.2.3.2.3", 3),
		"a1.dcm": header("1.2.3.2", 2, "1.2.3.2.1", 1),
		"b1.dcm": header("1.2.3.1", 1, "1.2.3.1.1", 1),
		"a2.dcm": header("1.2.3.2", 2, "1.2.3.2.2", 2),
		"b2.dcm": header("1.2.3.1", 1, "1.2.3.1.2", 2),
	}
	dir := writeStudy(t, headers)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	study, err := newTestBuilder(headers).Build(context.Background(), StudyInput{
		Dir: dir, StudyUID: "1.2.3", PatientID: "P1", ServiceRequestID: "SR1", RecordID: "IS1",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if study.ID != "IS1" || study.Status != "available" {
		t.Errorf("unexpected id/status %s/%s", study.ID, study.Status)
	}
	if study.NumberOfSeries != 2 || study.NumberOfInstances != 5 {
		t.Fatalf("expected 2 series / 5 instances, got %d/%d", study.NumberOfSeries, study.NumberOfInstances)
	}
	if len(study.Modality) != 1 || study.Modality[0].Code != "CT" {
		t.Errorf("expected de-duplicated CT modality, got %+v", study.Modality)
	}
	if study.Series[0].UID != "1.2.3.1" || study.Series[1].UID != "1.2.3.2" {
		t.Errorf("series not sorted by number: %s, %s", study.Series[0].UID, study.Series[1].UID)
	}
	s2 := study.Series[1]
	for i, inst := range s2.Instance {
		if inst.Number != i+1 {
			t.Errorf("instance %d out of order: number %d", i, inst.Number)
		}
	}
	if s2.NumberOfInstances != 3 {
		t.Errorf("expected 3 instances in series 2, got %d", s2.NumberOfInstances)
	}
	inst := s2.Instance[0]
	if inst.Title != `ORIGINAL\PRIMARY\AXIAL` {
		t.Errorf("unexpected title %q", inst.Title)
	}
	if inst.SOPClass.System != "urn:ietf:rfc:3986" || inst.SOPClass.Code != "urn:oid:1.2.840.10008.5.1.4.1.1.2" {
		t.Errorf("unexpected sop class %+v", inst.SOPClass)
	}
	if study.Started != "2024-03-05T09:30:15+07:00" {
		t.Errorf("unexpected study started %q", study.Started)
	}
	if s2.Started != "2024-03-05" {
		t.Errorf("short series time should give a date, got %q", s2.Started)
	}
	if study.Subject.Reference != "Patient/P1" || study.BasedOn[0].Reference != "ServiceRequest/SR1" {
		t.Errorf("unexpected references %+v %+v", study.Subject, study.BasedOn)
	}
	acsn := study.Identifier[0]
	if acsn.System != "http://sys-ids.kemkes.go.id/acsn/ORG1" || acsn.Value != "ACC1" {
		t.Errorf("unexpected accession identifier %+v", acsn)
	}
	if study.Identifier[1].Value != "urn:oid:1.2.3" {
		t.Errorf("unexpected study UID identifier %+v", study.Identifier[1])
	}
}

func TestBuild_Defaults(t *testing.T) {
	h := header("1.2.3.1", 1, "1.2.3.1.1", 1)
	h.StudyDescription = ""
	h.SeriesDescription = ""
	h.ImageType = nil
	h.StudyDate = ""
	sr := header("1.2.3.9", 9, "1.2.3.9.1", 1)
	sr.Modality = "SR"
	sr.ConceptName = "Radiology Report"
	headers := map[string]*Header{"x.dcm": h, "sr.dcm": sr}

	study, err := newTestBuilder(headers).Build(context.Background(), StudyInput{Dir: writeStudy(t, headers), PatientID: "P1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if study.Description != "No Description" || study.Series[0].Description != "No Description" {
		t.Errorf("expected No Description defaults, got %q / %q", study.Description, study.Series[0].Description)
	}
	if study.Series[0].Instance[0].Title != `ORIGINAL\PRIMARY` {
		t.Errorf("expected default title, got %q", study.Series[0].Instance[0].Title)
	}
	if study.Series[1].Instance[0].Title != "Radiology Report" {
		t.Errorf("expected SR concept name title, got %q", study.Series[1].Instance[0].Title)
	}
	if study.Started != "2024-06-01T19:00:00+07:00" {
		t.Errorf("expected current time fallback, got %q", study.Started)
	}
	if len(study.Modality) != 2 {
		t.Errorf("expected CT and SR modalities, got %+v", study.Modality)
	}
}

func TestBuild_DuplicateSOPSkipped(t *testing.T) {
	headers := map[string]*Header{
		"a.dcm": header("1.2.3.1", 1, "1.2.3.1.1", 1),
		"b.dcm": header("1.2.3.1", 1, "1.2.3.1.1", 1),
	}
	study, err := newTestBuilder(headers).Build(context.Background(), StudyInput{Dir: writeStudy(t, headers)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if study.NumberOfInstances != 1 {
		t.Errorf("expected 1 instance, got %d", study.NumberOfInstances)
	}
}

func TestBuild_MoreThanOneStudy(t *testing.T) {
	other := header("9.9.1", 1, "9.9.1.1", 1)
	other.StudyInstanceUID = "9.9"
	headers := map[string]*Header{
		"a.dcm": header("1.2.3.1", 1, "1.2.3.1.1", 1),
		"b.dcm": other,
	}
	_, err := newTestBuilder(headers).Build(context.Background(), StudyInput{Dir: writeStudy(t, headers)})
	if !apperr.IsDataIntegrity(err) {
		t.Fatalf("expected data integrity error, got %v", err)
	}
	if !strings.Contains(err.Error(), "more than one study") {
		t.Errorf("unexpected message %v", err)
	}
}

func TestBuild_MergesOtherAssociations(t *testing.T) {
	first := map[string]*Header{"a.dcm": header("1.2.3.1", 1, "1.2.3.1.1", 1)}
	second := map[string]*Header{
		"b.dcm": header("1.2.3.2", 2, "1.2.3.2.1", 1),
		"c.dcm": header("1.2.3.1", 1, "1.2.3.1.1", 1),
	}
	all := map[string]*Header{}
	for k, v := range first {
		all[k] = v
	}
	for k, v := range second {
		all[k] = v
	}

	study, err := newTestBuilder(all).Build(context.Background(), StudyInput{
		Dir:       writeStudy(t, first),
		ExtraDirs: []string{writeStudy(t, second), filepath.Join(t.TempDir(), "gone")},
		StudyUID:  "1.2.3",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if study.NumberOfSeries != 2 || study.NumberOfInstances != 2 {
		t.Errorf("expected 2 series / 2 instances, got %d/%d", study.NumberOfSeries, study.NumberOfInstances)
	}
}

func TestBuild_EmptyDirectory(t *testing.T) {
	_, err := newTestBuilder(nil).Build(context.Background(), StudyInput{Dir: t.TempDir()})
	if !apperr.IsDataIntegrity(err) {
		t.Fatalf("expected data integrity error, got %v", err)
	}
}

func TestScan_SkipsUnreadable(t *testing.T) {
	headers := map[string]*Header{"a.dcm": header("1.2.3.1", 1, "1.2.3.1.1", 1)}
	dir := writeStudy(t, headers)
	os.WriteFile(filepath.Join(dir, "broken.dcm"), []byte("junk"), 0o644)

	files, err := newTestBuilder(headers).Scan(context.Background(), dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected 1 readable file, got %d", len(files))
	}
}

func TestDicomReader_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.dcm")
	os.WriteFile(path, []byte("definitely not dicom"), 0o644)
	if _, err := NewDicomReader().ReadHeader(path); err == nil {
		t.Error("expected parse error")
	}
	if _, err := NewDicomReader().ReadHeader(filepath.Join(t.TempDir(), "missing.dcm")); err == nil {
		t.Error("expected open error")
	}
	if _, err := ParseHeader([]byte("nope")); err == nil {
		t.Error("expected parse error for in-memory bytes")
	}
}

func TestLayout(t *testing.T) {
	l := NewLayout("/data", "secret")
	p, err := l.InstancePath("A1", "1.2.3", "1.2.3.1", "1.2.3.1.1")
	if err != nil {
		t.Fatalf("InstancePath: %v", err)
	}
	dir := l.AssociationDir("A1")
	if !strings.HasPrefix(p, dir+string(filepath.Separator)) {
		t.Errorf("instance path %s not under %s", p, dir)
	}
	if filepath.Base(p) != "1.2.3.1.1.dcm" {
		t.Errorf("unexpected file name %s", filepath.Base(p))
	}
	if len(filepath.Base(dir)) != 64 {
		t.Errorf("expected hex sha256 directory, got %s", filepath.Base(dir))
	}
	if strings.Contains(dir, "A1") {
		t.Error("association id leaked into path")
	}
	if NewLayout("/data", "other").AssociationDir("A1") == dir {
		t.Error("different keys should give different directories")
	}
	if sd, err := l.StudyDir("A1", "1.2.3"); err != nil || sd != filepath.Join(dir, "1.2.3") {
		t.Errorf("unexpected study dir %s (%v)", sd, err)
	}
}

func TestLayout_RejectsUnsafeUIDs(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, "k")
	tests := []struct {
		name               string
		study, series, sop string
	}{
		{"traversal study", "../../../../tmp/evil", "1.2", "1.2.3"},
		{"traversal series", "1.2", "../..", "1.2.3"},
		{"slash in instance", "1.2", "1.2.3", "1/2"},
		{"empty instance", "1.2", "1.2.3", ""},
		{"letters", "1.2.abc", "1.2.3", "1.2.3.4"},
		{"trailing dot", "1.2.", "1.2.3", "1.2.3.4"},
		{"too long", "1." + strings.Repeat("1", 63), "1.2.3", "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := l.InstancePath("assoc", tt.study, tt.series, tt.sop)
			if !errors.Is(err, ErrInvalidUID) {
				t.Errorf("expected ErrInvalidUID, got %q %v", p, err)
			}
		})
	}
}

func TestLayout_StaysUnderRoot(t *testing.T) {
	l := NewLayout(t.TempDir(), "k")
	if _, err := l.within(filepath.Join(l.Root, "..", "elsewhere")); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("expected ErrOutsideRoot, got %v", err)
	}
	if _, err := l.within(filepath.Join(l.Root, "abc", "1.2")); err != nil {
		t.Errorf("path under root rejected: %v", err)
	}
}

func TestValidUID(t *testing.T) {
	for uid, want := range map[string]bool{
		"1.2.840.10008.5.1.4.1.1.2": true,
		"2.25.1234":                 true,
		"1":                         true,
		"":                          false,
		"1..2":                      false,
		".1":                        false,
		"1.2 ":                      false,
	} {
		if got := ValidUID(uid); got != want {
			t.Errorf("ValidUID(%q) = %v, want %v", uid, got, want)
		}
	}
}
