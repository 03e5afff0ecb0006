package record

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const maxUIDLength = 64

var (
	ErrInvalidUID  = errors.New("record: invalid DICOM UID")
	ErrOutsideRoot = errors.New("record: path outside storage root")

	uidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
)

// ValidUID reports whether uid is a well-formed DICOM UID: dot separated
// numeric components, at most 64 characters.
func ValidUID(uid string) bool {
	return len(uid) <= maxUIDLength && uidPattern.MatchString(uid)
}

// Layout maps instances to paths under the storage root:
// root/hmac_sha256(key, association)/study/series/sop.dcm.
type Layout struct {
	Root string
	Key  []byte
}

func NewLayout(root, key string) Layout {
	return Layout{Root: root, Key: []byte(key)}
}

func (l Layout) AssociationDir(associationID string) string {
	mac := hmac.New(sha256.New, l.Key)
	mac.Write([]byte(associationID))
	return filepath.Join(l.Root, hex.EncodeToString(mac.Sum(nil)))
}

func (l Layout) StudyDir(associationID, studyUID string) (string, error) {
	if !ValidUID(studyUID) {
		return "", fmt.Errorf("%w: study %q", ErrInvalidUID, studyUID)
	}
	return l.within(filepath.Join(l.AssociationDir(associationID), studyUID))
}

func (l Layout) InstancePath(associationID, studyUID, seriesUID, instanceUID string) (string, error) {
	if !ValidUID(seriesUID) {
		return "", fmt.Errorf("%w: series %q", ErrInvalidUID, seriesUID)
	}
	if !ValidUID(instanceUID) {
		return "", fmt.Errorf("%w: instance %q", ErrInvalidUID, instanceUID)
	}
	dir, err := l.StudyDir(associationID, studyUID)
	if err != nil {
		return "", err
	}
	return l.within(filepath.Join(dir, seriesUID, instanceUID+".dcm"))
}

func (l Layout) within(path string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(l.Root), path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return path, nil
}
