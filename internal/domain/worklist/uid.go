package worklist

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const maxUIDLength = 64

// NewStudyUID generates a Study Instance UID under the organization's
// 2.25.360.1 root: 2.25.360.1.{org}.{YYYYMMDD}.{n}, where n is derived from
// a random UUID and truncated to keep the UID within 64 characters.
func NewStudyUID(orgID string, now time.Time) string {
	prefix := fmt.Sprintf("2.25.360.1.%s.%s.", orgID, now.Format("20060102"))
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:]).String()
	if room := maxUIDLength - len(prefix); room > 0 && room < len(n) {
		n = n[:room]
	}
	return prefix + n
}
