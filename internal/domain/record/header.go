// Package record reads stored DICOM headers and builds the ImagingStudy the
// national exchange expects for a study.
package record

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Header is the subset of a DICOM file's attributes the gateway reads.
type Header struct {
	PatientID         string
	PatientName       string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	AccessionNumber   string
	Modality          string
	StudyDescription  string
	SeriesDescription string
	StudyDate         string
	StudyTime         string
	SeriesDate        string
	SeriesTime        string
	SeriesNumber      int
	InstanceNumber    int
	ImageType         []string
	// ConceptName is the CodeMeaning of ConceptNameCodeSequence (SR documents).
	ConceptName string
}

// HeaderReader reads the header of a stored Part-10 file.
type HeaderReader interface {
	ReadHeader(path string) (*Header, error)
}

// DicomReader parses headers with github.com/suyashkumar/dicom and skips
// pixel data.
type DicomReader struct{}

func NewDicomReader() *DicomReader { return &DicomReader{} }

func (DicomReader) ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	ds, err := dicom.Parse(f, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return headerFromDataset(ds), nil
}

// ParseHeader reads a header from Part-10 bytes held in memory.
func ParseHeader(data []byte) (*Header, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}
	return headerFromDataset(ds), nil
}

func headerFromDataset(ds dicom.Dataset) *Header {
	return &Header{
		PatientID:         stringValue(ds, tag.PatientID),
		PatientName:       stringValue(ds, tag.PatientName),
		StudyInstanceUID:  stringValue(ds, tag.StudyInstanceUID),
		SeriesInstanceUID: stringValue(ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    stringValue(ds, tag.SOPInstanceUID),
		SOPClassUID:       stringValue(ds, tag.SOPClassUID),
		AccessionNumber:   stringValue(ds, tag.AccessionNumber),
		Modality:          stringValue(ds, tag.Modality),
		StudyDescription:  stringValue(ds, tag.StudyDescription),
		SeriesDescription: stringValue(ds, tag.SeriesDescription),
		StudyDate:         stringValue(ds, tag.StudyDate),
		StudyTime:         stringValue(ds, tag.StudyTime),
		SeriesDate:        stringValue(ds, tag.SeriesDate),
		SeriesTime:        stringValue(ds, tag.SeriesTime),
		SeriesNumber:      intValue(ds, tag.SeriesNumber),
		InstanceNumber:    intValue(ds, tag.InstanceNumber),
		ImageType:         stringValues(ds, tag.ImageType),
		ConceptName:       conceptName(ds),
	}
}

func stringValues(ds dicom.Dataset, t tag.Tag) []string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return nil
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s = strings.TrimSpace(strings.TrimRight(s, "\x00")); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out
	}
	return nil
}

func stringValue(ds dicom.Dataset, t tag.Tag) string {
	if vals := stringValues(ds, t); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// intValue reads IS attributes, which the parser may surface as text.
func intValue(ds dicom.Dataset, t tag.Tag) int {
	n, err := strconv.Atoi(stringValue(ds, t))
	if err != nil {
		return 0
	}
	return n
}

func conceptName(ds dicom.Dataset) string {
	elem, err := ds.FindElementByTag(tag.ConceptNameCodeSequence)
	if err != nil || elem.Value == nil {
		return ""
	}
	items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok || len(items) == 0 {
		return ""
	}
	children, ok := items[0].GetValue().([]*dicom.Element)
	if !ok {
		return ""
	}
	for _, child := range children {
		if child.Tag == tag.CodeMeaning {
			if v, ok := child.Value.GetValue().([]string); ok && len(v) > 0 {
				return strings.TrimSpace(v[0])
			}
		}
	}
	return ""
}
