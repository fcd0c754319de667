package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/MGallo-Code/aegis/internal/store"
)

// ComputeDigest returns the hex SHA-256 of every field of rec except Digest.
// Each field is written length-prefixed so adjacent values cannot run together.
//
// The digest covers only this record. It does not include the previous
// record's digest, so deleting or reordering whole records goes undetected.
func ComputeDigest(rec *store.AuditRecord) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
		h.Write([]byte{'\n'})
	}

	write(rec.ID.String())
	write(rec.Category)
	write(rec.Action)
	write(rec.Actor)
	if rec.UserID != nil {
		write(rec.UserID.String())
	} else {
		write("")
	}
	write(rec.Severity)
	write(rec.Result)
	write(rec.DetailsKind)
	write(string(rec.Details))
	write(rec.Timestamp.UTC().Format(time.RFC3339Nano))

	return hex.EncodeToString(h.Sum(nil))
}
