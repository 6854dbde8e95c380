package claiming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinicore/patient-claiming/internal/messaging"
	"github.com/clinicore/patient-claiming/internal/observability/metrics"
	"github.com/clinicore/patient-claiming/pkg/logging"
)

var claimTracer = otel.Tracer("claiming.internal.claiming.service")

// SessionIssuer is the external authentication collaborator. After a
// successful link it turns the new account into a login token.
type SessionIssuer interface {
	IssueSession(ctx context.Context, account *UserAccount) (string, error)
}

// ServiceConfig carries the claim flow tunables.
type ServiceConfig struct {
	OTPTTL            time.Duration
	OTPAttemptLimit   int
	OTPResendCooldown time.Duration
	OTPResendLimit    int
	OTPResendWindow   time.Duration
	PasswordMinLength int
	SMSFromNumber     string
}

// Service drives the claim flow: search, disambiguate, issue and verify the
// OTP, then atomically link an account. All protocol state lives in the
// session store; the service itself is stateless and safe for concurrent use.
type Service struct {
	patients PatientRepository
	accounts AccountRepository
	store    *SessionStore
	sender   messaging.Sender
	issuer   SessionIssuer
	cfg      ServiceConfig
	logger   *logging.Logger
	metrics  *metrics.ClaimingMetrics

	now          func() time.Time
	generateCode func() (string, error)
}

// NewService wires a claiming service.
func NewService(
	patients PatientRepository,
	accounts AccountRepository,
	store *SessionStore,
	sender messaging.Sender,
	issuer SessionIssuer,
	cfg ServiceConfig,
	logger *logging.Logger,
	m *metrics.ClaimingMetrics,
) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 5 * time.Minute
	}
	if cfg.OTPAttemptLimit <= 0 {
		cfg.OTPAttemptLimit = 5
	}
	if cfg.OTPResendCooldown <= 0 {
		cfg.OTPResendCooldown = 30 * time.Second
	}
	if cfg.OTPResendLimit <= 0 {
		cfg.OTPResendLimit = 3
	}
	if cfg.OTPResendWindow <= 0 {
		cfg.OTPResendWindow = time.Hour
	}
	if cfg.PasswordMinLength <= 0 {
		cfg.PasswordMinLength = 6
	}
	return &Service{
		patients:     patients,
		accounts:     accounts,
		store:        store,
		sender:       sender,
		issuer:       issuer,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		generateCode: generateCode,
	}
}

// SearchRequest is the caller-supplied, ephemeral identity query. It is never
// persisted beyond the matching request (the disambiguation context keeps
// only the normalized form).
type SearchRequest struct {
	FullName    string
	DateOfBirth string
	Phone       string
}

// SearchResult reports the outcome of a match. Exactly one of SessionToken
// (single match) or QueryToken+Candidates (ambiguous match) is set.
type SearchResult struct {
	Matches      int
	SessionToken string
	QueryToken   string
	Candidates   []Candidate
}

// Search matches the query against existing records. Zero matches is
// ErrNotFound with no hint of which attribute failed; one match opens a
// session; several matches return the candidate list for disambiguation
// without creating a session.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	ctx, span := claimTracer.Start(ctx, "claiming.search")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ObserveLatency("search", time.Since(start).Seconds()) }()

	name := NormalizeName(req.FullName)
	phone := NormalizePhone(req.Phone)
	if name == "" || phone == "" || strings.TrimSpace(req.DateOfBirth) == "" {
		return nil, ErrInvalidQuery
	}
	dob, err := ParseDOB(req.DateOfBirth)
	if err != nil {
		return nil, ErrInvalidQuery
	}

	records, err := s.patients.FindMatching(ctx, name, dob, phone)
	if err != nil {
		return nil, fmt.Errorf("claiming: search: %w", err)
	}

	switch len(records) {
	case 0:
		s.metrics.ObserveSearch("not_found")
		return nil, ErrNotFound
	case 1:
		session, err := s.store.Create(ctx, records[0].ID)
		if err != nil {
			return nil, fmt.Errorf("claiming: open session: %w", err)
		}
		s.metrics.ObserveSearch("matched")
		s.logger.Info("claim session opened", "session", session.Token)
		return &SearchResult{Matches: 1, SessionToken: session.Token}, nil
	default:
		query := &PendingQuery{
			Name:        name,
			DateOfBirth: FormatDOB(dob),
			PhoneDigits: phone,
		}
		candidates := make([]Candidate, 0, len(records))
		for _, rec := range records {
			query.CandidateIDs = append(query.CandidateIDs, rec.ID)
			candidates = append(candidates, Candidate{ID: rec.ID, Name: rec.FullName, LastVisit: rec.LastVisitAt})
		}
		if err := s.store.SaveQuery(ctx, query); err != nil {
			return nil, fmt.Errorf("claiming: save query context: %w", err)
		}
		s.metrics.ObserveSearch("ambiguous")
		return &SearchResult{Matches: len(records), QueryToken: query.Token, Candidates: candidates}, nil
	}
}

// SelectCandidate promotes one candidate from a prior ambiguous search into a
// claim session. The selection must belong to the stored candidate set and
// the record must still satisfy the original match rule; a client can never
// select an identifier it was not shown.
func (s *Service) SelectCandidate(ctx context.Context, queryToken, candidateID string) (*SearchResult, error) {
	ctx, span := claimTracer.Start(ctx, "claiming.select_candidate")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ObserveLatency("select_candidate", time.Since(start).Seconds()) }()

	query, err := s.store.GetQuery(ctx, queryToken)
	if err != nil {
		return nil, err
	}

	found := false
	for _, id := range query.CandidateIDs {
		if id == candidateID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrInvalidSelection
	}

	record, err := s.patients.GetByID(ctx, candidateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidSelection
		}
		return nil, fmt.Errorf("claiming: load candidate: %w", err)
	}
	if NormalizeName(record.FullName) != query.Name ||
		FormatDOB(record.DateOfBirth) != query.DateOfBirth ||
		NormalizePhone(record.Phone) != query.PhoneDigits {
		return nil, ErrInvalidSelection
	}

	session, err := s.store.Create(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming: open session: %w", err)
	}
	_ = s.store.DeleteQuery(ctx, queryToken)
	s.logger.Info("claim session opened after disambiguation", "session", session.Token)
	return &SearchResult{Matches: 1, SessionToken: session.Token}, nil
}

// SendOTP issues (or re-issues) a verification code to the phone number on
// the matched record and returns the masked destination. A new code replaces
// the previous one and resets the verification-attempt budget; the resend
// budget is cumulative per rolling window.
func (s *Service) SendOTP(ctx context.Context, token string) (string, error) {
	ctx, span := claimTracer.Start(ctx, "claiming.send_otp")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ObserveLatency("send_otp", time.Since(start).Seconds()) }()

	session, err := s.store.Get(ctx, token)
	if err != nil {
		return "", err
	}
	if session.State != StateMatched && session.State != StateOTPSent {
		return "", ErrInvalidState
	}

	if err := s.store.RegisterIssue(ctx, token, s.cfg.OTPResendLimit, s.cfg.OTPResendWindow, s.cfg.OTPResendCooldown); err != nil {
		if errors.Is(err, ErrResendCooldown) || errors.Is(err, ErrResendLimitExceeded) {
			s.metrics.ObserveOTPSend("throttled")
			return "", err
		}
		return "", err
	}

	record, err := s.patients.GetByID(ctx, session.PatientID)
	if err != nil {
		return "", fmt.Errorf("claiming: load patient for otp: %w", err)
	}

	code, err := s.generateCode()
	if err != nil {
		return "", err
	}
	salt, err := newSalt()
	if err != nil {
		return "", err
	}

	issuedAt := s.now().UTC()
	session.Challenge = &OTPChallenge{
		CodeHash:  hashCode(salt, code),
		Salt:      salt,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(s.cfg.OTPTTL),
	}
	session.State = StateOTPSent
	if err := s.store.Save(ctx, session); err != nil {
		return "", err
	}
	if err := s.store.InitAttempts(ctx, token, s.cfg.OTPAttemptLimit); err != nil {
		return "", err
	}

	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.cfg.OTPTTL.Minutes()))
	err = s.sender.Send(ctx, messaging.OutboundSMS{
		To:   messaging.NormalizeE164(record.Phone),
		From: s.cfg.SMSFromNumber,
		Body: body,
	})
	if err != nil {
		// Nothing went out; hand the issue slot back so the caller can
		// retry without waiting out the cooldown.
		if refundErr := s.store.RefundIssue(ctx, token); refundErr != nil {
			s.logger.Warn("otp issue refund failed", "error", refundErr, "session", token)
		}
		s.metrics.ObserveOTPSend("dispatch_failed")
		s.logger.Error("otp dispatch failed", "error", err, "session", token)
		return "", fmt.Errorf("claiming: dispatch otp: %w", err)
	}

	s.metrics.ObserveOTPSend("sent")
	s.logger.Info("otp sent", "session", token, "to", messaging.MaskPhone(record.Phone))
	return messaging.MaskPhone(record.Phone), nil
}

// VerifyOTP checks a submitted code against the current challenge. Expiry
// and attempt exhaustion terminate the session outright; a successful match
// is single-use and discards the code hash.
func (s *Service) VerifyOTP(ctx context.Context, token, code string) error {
	ctx, span := claimTracer.Start(ctx, "claiming.verify_otp")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ObserveLatency("verify_otp", time.Since(start).Seconds()) }()

	session, err := s.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if session.State != StateOTPSent || session.Challenge == nil {
		return ErrInvalidState
	}

	if s.now().After(session.Challenge.ExpiresAt) {
		_ = s.store.Delete(ctx, token)
		s.metrics.ObserveVerify("expired")
		return ErrOTPExpired
	}

	remaining, err := s.store.ConsumeAttempt(ctx, token)
	if err != nil {
		return err
	}
	if remaining < 0 {
		_ = s.store.Delete(ctx, token)
		s.metrics.ObserveVerify("exhausted")
		return ErrOTPAttemptsExceeded
	}

	if !codeMatches(session.Challenge, code) {
		if remaining == 0 {
			_ = s.store.Delete(ctx, token)
			s.metrics.ObserveVerify("exhausted")
			return ErrOTPAttemptsExceeded
		}
		s.metrics.ObserveVerify("mismatch")
		return ErrOTPInvalidCode
	}

	ok, err := s.store.MarkVerified(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		// Another caller already consumed this challenge.
		return ErrInvalidState
	}

	session.State = StateVerified
	session.Challenge = nil
	if err := s.store.Save(ctx, session); err != nil {
		return err
	}
	s.metrics.ObserveVerify("verified")
	s.logger.Info("otp verified", "session", token)
	return nil
}

// LinkRequest carries the desired credentials for the final link step.
type LinkRequest struct {
	Username string
	Password string
	Email    string
}

// LinkResult is returned after a successful claim.
type LinkResult struct {
	Account   *UserAccount
	AuthToken string
}

// LinkAccount atomically creates the login credential, binds it to the
// matched record and hands the account to the auth collaborator for session
// issuance. Credential validation failures leave the session verified so the
// caller can retry with different input.
func (s *Service) LinkAccount(ctx context.Context, token string, req LinkRequest) (*LinkResult, error) {
	ctx, span := claimTracer.Start(ctx, "claiming.link_account")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ObserveLatency("link_account", time.Since(start).Seconds()) }()

	session, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.State != StateVerified {
		return nil, ErrInvalidState
	}

	username := strings.TrimSpace(strings.ToLower(req.Username))
	if username == "" {
		return nil, ErrInvalidUsername
	}
	if len(req.Password) < s.cfg.PasswordMinLength {
		s.metrics.ObserveLink("weak_password")
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("claiming: hash password: %w", err)
	}

	account, err := s.accounts.LinkAccount(ctx, session.PatientID, username, string(hash), strings.TrimSpace(req.Email))
	if err != nil {
		switch {
		case errors.Is(err, ErrUsernameTaken):
			s.metrics.ObserveLink("username_taken")
		case errors.Is(err, ErrAlreadyLinked):
			s.metrics.ObserveLink("already_linked")
		}
		return nil, err
	}

	authToken, err := s.issuer.IssueSession(ctx, account)
	if err != nil {
		// The link is committed and must read as a success; the caller logs
		// in normally with the new credential. Failing here would leave the
		// session verified and turn the owner's retry into AlreadyLinked
		// against their own record.
		s.logger.Error("session issuance failed after link", "error", err, "account", account.ID)
		authToken = ""
	}

	if err := s.store.Delete(ctx, token); err != nil {
		s.logger.Warn("failed to destroy linked session", "error", err, "session", token)
	}

	s.metrics.ObserveLink("linked")
	s.logger.Info("patient record claimed", "account", account.ID, "patient", account.PatientID)
	return &LinkResult{Account: account, AuthToken: authToken}, nil
}
