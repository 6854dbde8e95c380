package claiming

import (
	"context"
	"time"
)

// PatientRepository reads pre-existing clinic records. Matching is exact on
// all three normalized attributes; ambiguity is handled by returning multiple
// rows, never by ranking approximate ones.
type PatientRepository interface {
	FindMatching(ctx context.Context, normalizedName string, dob time.Time, phoneDigits string) ([]PatientRecord, error)
	GetByID(ctx context.Context, id string) (*PatientRecord, error)
}

// AccountRepository creates a login credential and binds it to a patient
// record in a single transaction. The bind is a compare-and-set on the
// record's account id: only the first committer succeeds, later ones get
// ErrAlreadyLinked. A duplicate username yields ErrUsernameTaken.
type AccountRepository interface {
	LinkAccount(ctx context.Context, patientID, username, passwordHash, email string) (*UserAccount, error)
}
