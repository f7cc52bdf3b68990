package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"aquaguardian/models"
)

// canonicalReport lists the immutable fields covered by the content hash,
// in their serialization order. Lifecycle fields are excluded.
type canonicalReport struct {
	ID          string `json:"id"`
	SubmitterID string `json:"submitter_id"`
	Latitude    string `json:"latitude"`
	Longitude   string `json:"longitude"`
	Description string `json:"description"`
	Severity    int    `json:"severity"`
}

// Canonical returns the canonical serialization of r's immutable fields.
// Coordinates use the shortest decimal form that round-trips.
func Canonical(r *models.Report) []byte {
	b, _ := json.Marshal(canonicalReport{
		ID:          r.ID,
		SubmitterID: r.SubmitterID,
		Latitude:    strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		Longitude:   strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		Description: r.Description,
		Severity:    r.Severity,
	})
	return b
}

// ContentHash is the lowercase hex SHA-256 of Canonical(r).
func ContentHash(r *models.Report) string {
	sum := sha256.Sum256(Canonical(r))
	return hex.EncodeToString(sum[:])
}
