package claiming

import "errors"

var (
	// ErrInvalidQuery is returned when a search request is missing or
	// malformed on one of its required attributes.
	ErrInvalidQuery = errors.New("full name, date of birth and phone are required")

	// ErrNotFound is returned when no record matches the query. The message
	// never reveals which attribute failed.
	ErrNotFound = errors.New("no matching record found")

	// ErrInvalidSelection is returned when a candidate selection does not
	// belong to the original candidate set or the query context expired.
	ErrInvalidSelection = errors.New("invalid candidate selection")

	// ErrResendCooldown is returned when a code is requested again before the
	// cooldown elapses. Recoverable by waiting.
	ErrResendCooldown = errors.New("verification code was sent recently, wait before requesting another")

	// ErrResendLimitExceeded is returned when the rolling-window resend budget
	// is exhausted. Recoverable by waiting.
	ErrResendLimitExceeded = errors.New("verification code resend limit reached")

	// ErrOTPExpired terminates the session; a new search is required.
	ErrOTPExpired = errors.New("verification code expired")

	// ErrOTPInvalidCode is returned on a code mismatch while attempts remain.
	ErrOTPInvalidCode = errors.New("incorrect verification code")

	// ErrOTPAttemptsExceeded terminates the session; a new search is required.
	ErrOTPAttemptsExceeded = errors.New("too many incorrect verification attempts")

	// ErrSessionExpired is returned for unknown or expired session tokens.
	ErrSessionExpired = errors.New("claim session expired")

	// ErrInvalidState is returned when an operation is attempted out of
	// protocol order, including replaying a verification.
	ErrInvalidState = errors.New("operation not allowed in current session state")

	// ErrInvalidUsername is recoverable; the session stays verified.
	ErrInvalidUsername = errors.New("username is required")

	// ErrUsernameTaken is recoverable; the session stays verified.
	ErrUsernameTaken = errors.New("username is already taken")

	// ErrWeakPassword is recoverable; the session stays verified.
	ErrWeakPassword = errors.New("password does not meet the minimum length")

	// ErrAlreadyLinked means another claim committed first; the record can
	// hold at most one account.
	ErrAlreadyLinked = errors.New("record is already linked to an account")
)
