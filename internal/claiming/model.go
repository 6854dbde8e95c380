// Package claiming implements the patient record claiming flow: matching a
// self-reported identity against existing clinic records, proving control of
// the phone number on file via a one-time passcode, and atomically binding a
// new login credential to the matched record.
package claiming

import "time"

// State is the protocol state of a claim session. States only advance
// forward; no transition skips a stage.
type State string

const (
	StateMatched  State = "matched"
	StateOTPSent  State = "otp_sent"
	StateVerified State = "verified"
	StateLinked   State = "linked"
)

// ClaimSession is the server-side state of one in-progress claim attempt,
// keyed by an opaque token returned to the caller. It lives in Redis with an
// inactivity TTL and is destroyed on successful link or expiry.
type ClaimSession struct {
	Token     string        `json:"token"`
	PatientID string        `json:"patient_id"`
	State     State         `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	Challenge *OTPChallenge `json:"challenge,omitempty"`
}

// OTPChallenge holds the salted hash of the issued code. The plaintext code
// is never stored after dispatch. Attempt and resend budgets are tracked as
// separate Redis counters so concurrent checks stay atomic.
type OTPChallenge struct {
	CodeHash  string    `json:"code_hash"`
	Salt      string    `json:"salt"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PendingQuery is the short-lived disambiguation context created when a
// search matches more than one record. Selections are validated against the
// candidate set and the original normalized query.
type PendingQuery struct {
	Token        string    `json:"token"`
	Name         string    `json:"name"`
	DateOfBirth  string    `json:"date_of_birth"`
	PhoneDigits  string    `json:"phone_digits"`
	CandidateIDs []string  `json:"candidate_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

// Candidate is the caller-visible shape of one ambiguous match. Phone and
// date of birth are deliberately absent.
type Candidate struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	LastVisit *time.Time `json:"last_visit,omitempty"`
}

// PatientRecord is a pre-existing clinic record. The claiming flow only reads
// its attributes and, on a successful link, sets AccountID exactly once.
type PatientRecord struct {
	ID          string
	FullName    string
	DateOfBirth time.Time
	Phone       string
	AccountID   *string
	LastVisitAt *time.Time
}

// UserAccount is a login credential created (or reused) by the linker.
type UserAccount struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	PatientID string    `json:"patient_id"`
	CreatedAt time.Time `json:"created_at"`
}
