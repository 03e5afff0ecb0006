package record

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/apperr"
	"github.com/dicomrouter/router/internal/platform/fhir"
)

const (
	defaultDescription = "No Description"
	defaultTitle       = `ORIGINAL\PRIMARY`
)

// File is one stored instance and its parsed header.
type File struct {
	Path   string
	Header *Header
}

// StudyInput names the stored study and the remote resources it links to.
type StudyInput struct {
	Dir string
	// ExtraDirs hold the same study delivered over other associations.
	// Missing ones are ignored.
	ExtraDirs        []string
	StudyUID         string
	AccessionNumber  string
	PatientID        string
	ServiceRequestID string
	// RecordID is the remote ImagingStudy id when one already exists.
	RecordID string
}

type Builder struct {
	reader HeaderReader
	orgID  string
	logger zerolog.Logger
	loc    *time.Location
	now    func() time.Time
}

func NewBuilder(reader HeaderReader, orgID string, logger zerolog.Logger) *Builder {
	return &Builder{
		reader: reader,
		orgID:  orgID,
		logger: logger.With().Str("component", "record").Logger(),
		loc:    time.Local,
		now:    time.Now,
	}
}

// Scan reads the header of every .dcm file under dir in path order. Files
// whose header cannot be read are logged and skipped.
func (b *Builder) Scan(ctx context.Context, dir string) ([]File, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".dcm") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.DataIntegrityError("record.scan", "cannot walk study directory: "+err.Error())
	}
	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := b.reader.ReadHeader(p)
		if err != nil {
			b.logger.Warn().Err(err).Str("path", p).Msg("skipping unreadable DICOM file")
			continue
		}
		files = append(files, File{Path: p, Header: h})
	}
	return files, nil
}

// Build assembles the ImagingStudy for the files under in.Dir and
// in.ExtraDirs.
func (b *Builder) Build(ctx context.Context, in StudyInput) (*fhir.ImagingStudy, error) {
	const op = "record.build"
	files, err := b.Scan(ctx, in.Dir)
	if err != nil {
		return nil, err
	}
	for _, dir := range in.ExtraDirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		more, err := b.Scan(ctx, dir)
		if err != nil {
			return nil, err
		}
		files = append(files, more...)
	}
	if len(files) == 0 {
		return nil, apperr.DataIntegrityError(op, "no DICOM files under "+in.Dir)
	}

	first := files[0].Header
	for _, f := range files[1:] {
		if f.Header.StudyInstanceUID != first.StudyInstanceUID {
			return nil, apperr.DataIntegrityError(op, "Incorrect DICOM path, more than one study detected")
		}
	}
	if in.StudyUID != "" && first.StudyInstanceUID != in.StudyUID {
		return nil, apperr.DataIntegrityError(op, "study UID "+first.StudyInstanceUID+" does not match "+in.StudyUID)
	}

	study := fhir.NewImagingStudy(in.PatientID, in.ServiceRequestID)
	study.ID = in.RecordID
	study.Description = orDefault(first.StudyDescription, defaultDescription)
	accession := first.AccessionNumber
	if accession == "" {
		accession = in.AccessionNumber
	}
	study.Identifier = []fhir.Identifier{
		fhir.AccessionIdentifier(b.orgID, accession),
		fhir.StudyUIDIdentifier(first.StudyInstanceUID),
	}
	study.Started = b.started(first.StudyDate, first.StudyTime)

	bySeries := make(map[string]*fhir.ImagingStudySeries)
	seenInstance := make(map[string]bool)
	var order []string
	for _, f := range files {
		h := f.Header
		s, ok := bySeries[h.SeriesInstanceUID]
		if !ok {
			s = &fhir.ImagingStudySeries{
				UID:         h.SeriesInstanceUID,
				Number:      h.SeriesNumber,
				Modality:    fhir.ModalityCoding(h.Modality),
				Description: orDefault(h.SeriesDescription, defaultDescription),
				Started:     b.started(h.SeriesDate, h.SeriesTime),
			}
			bySeries[h.SeriesInstanceUID] = s
			order = append(order, h.SeriesInstanceUID)
			study.AddModality(s.Modality)
		}
		if seenInstance[h.SOPInstanceUID] {
			b.logger.Warn().Str("sop_instance_uid", h.SOPInstanceUID).Msg("duplicate SOP instance skipped")
			continue
		}
		seenInstance[h.SOPInstanceUID] = true
		s.Instance = append(s.Instance, fhir.ImagingStudyInstance{
			UID:      h.SOPInstanceUID,
			SOPClass: fhir.SOPClassCoding(h.SOPClassUID),
			Number:   h.InstanceNumber,
			Title:    instanceTitle(h),
		})
		s.NumberOfInstances++
		study.NumberOfInstances++
	}

	for _, uid := range order {
		s := bySeries[uid]
		sort.SliceStable(s.Instance, func(i, j int) bool {
			a, c := s.Instance[i], s.Instance[j]
			if a.Number != c.Number {
				return a.Number < c.Number
			}
			return a.UID < c.UID
		})
		study.Series = append(study.Series, *s)
	}
	sort.SliceStable(study.Series, func(i, j int) bool {
		a, c := study.Series[i], study.Series[j]
		if a.Number != c.Number {
			return a.Number < c.Number
		}
		return a.UID < c.UID
	})
	study.NumberOfSeries = len(study.Series)
	return study, nil
}

// started renders DICOM DA/TM as a FHIR dateTime in the builder's zone.
// A missing date falls back to the current time.
func (b *Builder) started(da, tm string) string {
	d, err := time.ParseInLocation("20060102", da, b.loc)
	if err != nil {
		return b.now().In(b.loc).Format(time.RFC3339)
	}
	if len(tm) < 6 {
		return d.Format("2006-01-02")
	}
	t, err := time.Parse("150405", tm[:6])
	if err != nil {
		return d.Format("2006-01-02")
	}
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), t.Second(), 0, b.loc).
		Format(time.RFC3339)
}

func instanceTitle(h *Header) string {
	if h.Modality == "SR" && h.ConceptName != "" {
		return h.ConceptName
	}
	if len(h.ImageType) > 0 {
		return strings.Join(h.ImageType, `\`)
	}
	return defaultTitle
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
