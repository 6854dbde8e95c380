package claiming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/patient-claiming/internal/messaging"
)

type fakePatients struct {
	records []PatientRecord
}

// FindMatching mirrors the repository SQL predicate exactly, including the
// account_id IS NULL clause that keeps claimed records out of the matcher.
func (f *fakePatients) FindMatching(_ context.Context, name string, dob time.Time, digits string) ([]PatientRecord, error) {
	var out []PatientRecord
	for _, rec := range f.records {
		if NormalizeName(rec.FullName) == name &&
			rec.DateOfBirth.Equal(dob) &&
			NormalizePhone(rec.Phone) == digits &&
			rec.AccountID == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakePatients) GetByID(_ context.Context, id string) (*PatientRecord, error) {
	for i := range f.records {
		if f.records[i].ID == id {
			rec := f.records[i]
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

// fakeAccounts mirrors the transactional compare-and-set of the real
// repository: one username namespace, at most one account per record.
type fakeAccounts struct {
	mu        sync.Mutex
	patients  *fakePatients
	usernames map[string]bool
	linked    map[string]string
}

func newFakeAccounts(p *fakePatients) *fakeAccounts {
	return &fakeAccounts{
		patients:  p,
		usernames: make(map[string]bool),
		linked:    make(map[string]string),
	}
}

func (f *fakeAccounts) LinkAccount(_ context.Context, patientID, username, passwordHash, email string) (*UserAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.usernames[username] {
		return nil, ErrUsernameTaken
	}
	if _, ok := f.linked[patientID]; ok {
		return nil, ErrAlreadyLinked
	}
	f.usernames[username] = true
	accountID := "acct-" + username
	f.linked[patientID] = accountID
	for i := range f.patients.records {
		if f.patients.records[i].ID == patientID {
			id := accountID
			f.patients.records[i].AccountID = &id
		}
	}
	return &UserAccount{
		ID:        accountID,
		Username:  username,
		Email:     email,
		PatientID: patientID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type captureSender struct {
	mu       sync.Mutex
	messages []messaging.OutboundSMS
	err      error
}

func (c *captureSender) Send(_ context.Context, msg messaging.OutboundSMS) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}

type stubIssuer struct {
	err error
}

func (s *stubIssuer) IssueSession(_ context.Context, account *UserAccount) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "jwt-for-" + account.ID, nil
}

type serviceFixture struct {
	svc      *Service
	store    *SessionStore
	patients *fakePatients
	accounts *fakeAccounts
	sender   *captureSender
	redis    *miniredisHandle
}

type miniredisHandle struct {
	FastForward func(d time.Duration)
}

func newServiceFixture(t *testing.T, records ...PatientRecord) *serviceFixture {
	t.Helper()
	mr, client := setupTestRedis(t)

	patients := &fakePatients{records: records}
	accounts := newFakeAccounts(patients)
	sender := &captureSender{}
	store := NewSessionStore(client, 10*time.Minute)

	svc := NewService(patients, accounts, store, sender, &stubIssuer{}, ServiceConfig{
		OTPTTL:            5 * time.Minute,
		OTPAttemptLimit:   5,
		OTPResendCooldown: 30 * time.Second,
		OTPResendLimit:    3,
		OTPResendWindow:   time.Hour,
		PasswordMinLength: 6,
		SMSFromNumber:     "+15550001111",
	}, nil, nil)

	return &serviceFixture{
		svc:      svc,
		store:    store,
		patients: patients,
		accounts: accounts,
		sender:   sender,
		redis:    &miniredisHandle{FastForward: mr.FastForward},
	}
}

func janeRecord() PatientRecord {
	visit := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)
	return PatientRecord{
		ID:          "pat-jane",
		FullName:    "Jane Dela Cruz",
		DateOfBirth: time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC),
		Phone:       "0917 123 4567",
		LastVisitAt: &visit,
	}
}

func TestClaimHappyPath(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	fx.svc.generateCode = func() (string, error) { return "123456", nil }
	ctx := context.Background()

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName:    "JANE   dela cruz",
		DateOfBirth: "1990-05-01",
		Phone:       "0917-123-4567",
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Matches)
	require.NotEmpty(t, result.SessionToken)
	token := result.SessionToken

	masked, err := fx.svc.SendOTP(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "4567", masked[len(masked)-4:])
	assert.Contains(t, fx.sender.messages[0].Body, "123456")

	require.NoError(t, fx.svc.VerifyOTP(ctx, token, "123456"))

	link, err := fx.svc.LinkAccount(ctx, token, LinkRequest{
		Username: "Jane.DC",
		Password: "s3cret-pw",
		Email:    "jane@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "jane.dc", link.Account.Username)
	assert.Equal(t, "pat-jane", link.Account.PatientID)
	assert.Equal(t, "jwt-for-"+link.Account.ID, link.AuthToken)

	// The session is destroyed on success.
	_, err = fx.store.Get(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The record is no longer claimable.
	_, err = fx.svc.Search(ctx, SearchRequest{
		FullName:    "Jane Dela Cruz",
		DateOfBirth: "1990-05-01",
		Phone:       "09171234567",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchNoMatch(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())

	// Wrong DOB only; the error must not reveal which attribute missed.
	_, err := fx.svc.Search(context.Background(), SearchRequest{
		FullName:    "Jane Dela Cruz",
		DateOfBirth: "1990-05-02",
		Phone:       "09171234567",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchSkipsClaimedRecord(t *testing.T) {
	claimed := janeRecord()
	accountID := "acct-existing"
	claimed.AccountID = &accountID
	fx := newServiceFixture(t, claimed)

	// A record that already carries an account must not open a session; a
	// claim against it could only fail at the link step after an OTP went out.
	_, err := fx.svc.Search(context.Background(), SearchRequest{
		FullName:    "Jane Dela Cruz",
		DateOfBirth: "1990-05-01",
		Phone:       "09171234567",
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fx.sender.messages)
}

func TestSearchInvalidQuery(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	cases := []SearchRequest{
		{FullName: "", DateOfBirth: "1990-05-01", Phone: "09171234567"},
		{FullName: "Jane", DateOfBirth: "", Phone: "09171234567"},
		{FullName: "Jane", DateOfBirth: "not-a-date", Phone: "09171234567"},
		{FullName: "Jane", DateOfBirth: "1990-05-01", Phone: "---"},
	}
	for _, req := range cases {
		_, err := fx.svc.Search(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidQuery)
	}
}

func twinRecords() []PatientRecord {
	dob := time.Date(1985, 2, 14, 0, 0, 0, 0, time.UTC)
	v1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	v2 := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	return []PatientRecord{
		{ID: "pat-a", FullName: "Maria Santos", DateOfBirth: dob, Phone: "09180005555", LastVisitAt: &v1},
		{ID: "pat-b", FullName: "Maria Santos", DateOfBirth: dob, Phone: "0918 000 5555", LastVisitAt: &v2},
	}
}

func TestSearchAmbiguousThenSelect(t *testing.T) {
	fx := newServiceFixture(t, twinRecords()...)
	ctx := context.Background()

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName:    "Maria Santos",
		DateOfBirth: "1985-02-14",
		Phone:       "09180005555",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Matches)
	assert.Empty(t, result.SessionToken, "no session until a candidate is chosen")
	require.NotEmpty(t, result.QueryToken)
	require.Len(t, result.Candidates, 2)
	for _, c := range result.Candidates {
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, "Maria Santos", c.Name)
		assert.NotNil(t, c.LastVisit)
	}

	selected, err := fx.svc.SelectCandidate(ctx, result.QueryToken, "pat-b")
	require.NoError(t, err)
	require.NotEmpty(t, selected.SessionToken)

	session, err := fx.store.Get(ctx, selected.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "pat-b", session.PatientID)

	// The disambiguation context is single-use.
	_, err = fx.svc.SelectCandidate(ctx, result.QueryToken, "pat-a")
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestSelectCandidateOutsideSet(t *testing.T) {
	fx := newServiceFixture(t, append(twinRecords(), janeRecord())...)
	ctx := context.Background()

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName:    "Maria Santos",
		DateOfBirth: "1985-02-14",
		Phone:       "09180005555",
	})
	require.NoError(t, err)

	_, err = fx.svc.SelectCandidate(ctx, result.QueryToken, "pat-jane")
	assert.ErrorIs(t, err, ErrInvalidSelection)

	_, err = fx.svc.SelectCandidate(ctx, "bogus-token", "pat-a")
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestSendOTPResendCooldownAndInvalidation(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()

	codes := []string{"111111", "222222"}
	fx.svc.generateCode = func() (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName: "Jane Dela Cruz", DateOfBirth: "1990-05-01", Phone: "09171234567",
	})
	require.NoError(t, err)
	token := result.SessionToken

	_, err = fx.svc.SendOTP(ctx, token)
	require.NoError(t, err)

	// Immediate resend is inside the cooldown.
	_, err = fx.svc.SendOTP(ctx, token)
	assert.ErrorIs(t, err, ErrResendCooldown)

	fx.redis.FastForward(31 * time.Second)
	_, err = fx.svc.SendOTP(ctx, token)
	require.NoError(t, err)

	// The first code no longer verifies; the fresh one does.
	err = fx.svc.VerifyOTP(ctx, token, "111111")
	assert.ErrorIs(t, err, ErrOTPInvalidCode)
	assert.NoError(t, fx.svc.VerifyOTP(ctx, token, "222222"))
}

func TestSendOTPResendBudget(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName: "Jane Dela Cruz", DateOfBirth: "1990-05-01", Phone: "09171234567",
	})
	require.NoError(t, err)
	token := result.SessionToken

	// Initial send plus three resends.
	for i := 0; i < 4; i++ {
		_, err = fx.svc.SendOTP(ctx, token)
		require.NoError(t, err)
		fx.redis.FastForward(31 * time.Second)
	}

	_, err = fx.svc.SendOTP(ctx, token)
	assert.ErrorIs(t, err, ErrResendLimitExceeded)
}

func TestSendOTPDispatchFailureRefundsBudget(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName: "Jane Dela Cruz", DateOfBirth: "1990-05-01", Phone: "09171234567",
	})
	require.NoError(t, err)
	token := result.SessionToken

	fx.sender.err = errors.New("provider down")
	_, err = fx.svc.SendOTP(ctx, token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrResendCooldown)

	// The failed dispatch charged nothing: no cooldown to wait out and the
	// full window budget still available.
	fx.sender.err = nil
	_, err = fx.svc.SendOTP(ctx, token)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		fx.redis.FastForward(31 * time.Second)
		_, err = fx.svc.SendOTP(ctx, token)
		require.NoError(t, err)
	}
	fx.redis.FastForward(31 * time.Second)
	_, err = fx.svc.SendOTP(ctx, token)
	assert.ErrorIs(t, err, ErrResendLimitExceeded)
}

func TestVerifyOTPExpired(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()
	fx.svc.generateCode = func() (string, error) { return "123456", nil }

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName: "Jane Dela Cruz", DateOfBirth: "1990-05-01", Phone: "09171234567",
	})
	require.NoError(t, err)
	token := result.SessionToken

	_, err = fx.svc.SendOTP(ctx, token)
	require.NoError(t, err)

	fx.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	err = fx.svc.VerifyOTP(ctx, token, "123456")
	assert.ErrorIs(t, err, ErrOTPExpired)

	// Expiry terminates the claim attempt entirely.
	fx.svc.now = time.Now
	err = fx.svc.VerifyOTP(ctx, token, "123456")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestVerifyOTPAttemptExhaustion(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()
	fx.svc.generateCode = func() (string, error) { return "123456", nil }

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName: "Jane Dela Cruz", DateOfBirth: "1990-05-01", Phone: "09171234567",
	})
	require.NoError(t, err)
	token := result.SessionToken

	_, err = fx.svc.SendOTP(ctx, token)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		err = fx.svc.VerifyOTP(ctx, token, "000000")
		assert.ErrorIs(t, err, ErrOTPInvalidCode)
	}

	// Fifth wrong guess burns the last attempt.
	err = fx.svc.VerifyOTP(ctx, token, "000000")
	assert.ErrorIs(t, err, ErrOTPAttemptsExceeded)

	// The correct code no longer helps; the session is gone.
	err = fx.svc.VerifyOTP(ctx, token, "123456")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestVerifyOTPWithoutChallenge(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName: "Jane Dela Cruz", DateOfBirth: "1990-05-01", Phone: "09171234567",
	})
	require.NoError(t, err)

	err = fx.svc.VerifyOTP(ctx, result.SessionToken, "123456")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestLinkRequiresVerifiedState(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName: "Jane Dela Cruz", DateOfBirth: "1990-05-01", Phone: "09171234567",
	})
	require.NoError(t, err)

	_, err = fx.svc.LinkAccount(ctx, result.SessionToken, LinkRequest{Username: "jane", Password: "s3cret-pw"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func verifiedSession(t *testing.T, fx *serviceFixture, phone string) string {
	t.Helper()
	ctx := context.Background()
	fx.svc.generateCode = func() (string, error) { return "123456", nil }

	result, err := fx.svc.Search(ctx, SearchRequest{
		FullName: "Jane Dela Cruz", DateOfBirth: "1990-05-01", Phone: phone,
	})
	require.NoError(t, err)
	token := result.SessionToken

	_, err = fx.svc.SendOTP(ctx, token)
	require.NoError(t, err)
	require.NoError(t, fx.svc.VerifyOTP(ctx, token, "123456"))
	return token
}

func TestLinkCredentialValidation(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()
	token := verifiedSession(t, fx, "09171234567")

	_, err := fx.svc.LinkAccount(ctx, token, LinkRequest{Username: "  ", Password: "s3cret-pw"})
	assert.ErrorIs(t, err, ErrInvalidUsername)

	_, err = fx.svc.LinkAccount(ctx, token, LinkRequest{Username: "jane", Password: "short"})
	assert.ErrorIs(t, err, ErrWeakPassword)

	// Validation failures leave the session usable.
	link, err := fx.svc.LinkAccount(ctx, token, LinkRequest{Username: "jane", Password: "s3cret-pw"})
	require.NoError(t, err)
	assert.Equal(t, "jane", link.Account.Username)
}

func TestLinkUsernameTaken(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()
	fx.accounts.usernames["jane"] = true

	token := verifiedSession(t, fx, "09171234567")

	_, err := fx.svc.LinkAccount(ctx, token, LinkRequest{Username: "Jane", Password: "s3cret-pw"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	// The session survives; a different username succeeds.
	_, err = fx.svc.LinkAccount(ctx, token, LinkRequest{Username: "jane2", Password: "s3cret-pw"})
	assert.NoError(t, err)
}

func TestLinkSucceedsWhenIssuerFails(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()
	token := verifiedSession(t, fx, "09171234567")

	fx.svc.issuer = &stubIssuer{err: errors.New("auth service down")}

	// The link committed, so the caller gets the account and logs in
	// normally; surfacing an error here would strand a verified session
	// whose retry hits AlreadyLinked.
	link, err := fx.svc.LinkAccount(ctx, token, LinkRequest{Username: "jane", Password: "s3cret-pw"})
	require.NoError(t, err)
	assert.Equal(t, "jane", link.Account.Username)
	assert.Empty(t, link.AuthToken)

	_, err = fx.store.Get(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestConcurrentLinkSameRecord(t *testing.T) {
	fx := newServiceFixture(t, janeRecord())
	ctx := context.Background()

	tokenA := verifiedSession(t, fx, "09171234567")
	// Second verified session against the same record via the store directly;
	// the matcher path would race on the cooldown key, not on the link.
	sessionB, err := fx.store.Create(ctx, "pat-jane")
	require.NoError(t, err)
	sessionB.State = StateVerified
	require.NoError(t, fx.store.Save(ctx, sessionB))
	tokenB := sessionB.Token

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, tok := range []string{tokenA, tokenB} {
		wg.Add(1)
		go func(i int, tok string, user string) {
			defer wg.Done()
			_, errs[i] = fx.svc.LinkAccount(ctx, tok, LinkRequest{Username: user, Password: "s3cret-pw"})
		}(i, tok, "user"+string(rune('a'+i)))
	}
	wg.Wait()

	var okCount, linkedCount int
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrAlreadyLinked):
			linkedCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, okCount, "exactly one link wins")
	assert.Equal(t, 1, linkedCount, "the loser observes AlreadyLinked")
}
