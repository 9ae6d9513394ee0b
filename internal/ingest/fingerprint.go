package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Fingerprint derives the external identifier of an inbound message. Equal
// inputs always yield the same 64-character hex digest. Each field is length
// prefixed so separators inside a field cannot shift it into the next one.
func Fingerprint(contact, timestamp, text string) string {
	h := sha256.New()
	for _, f := range []string{contact, timestamp, text} {
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
