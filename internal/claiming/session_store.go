package claiming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionStore keeps claim sessions and their OTP budgets in Redis. Sessions
// self-expire after the inactivity TTL; every save refreshes it. Attempt and
// resend budgets use plain INCR/DECR/SETNX so concurrent callers serialize on
// Redis rather than on an in-process lock.
type SessionStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionStore creates a claim session store with the given inactivity TTL.
func NewSessionStore(redisClient *redis.Client, ttl time.Duration) *SessionStore {
	if redisClient == nil {
		panic("claiming: redis client required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SessionStore{redis: redisClient, ttl: ttl, now: time.Now}
}

func (s *SessionStore) sessionKey(token string) string  { return "claim:session:" + token }
func (s *SessionStore) queryKey(token string) string    { return "claim:query:" + token }
func (s *SessionStore) attemptsKey(token string) string { return "claim:otp:attempts:" + token }
func (s *SessionStore) resendsKey(token string) string  { return "claim:otp:resends:" + token }
func (s *SessionStore) cooldownKey(token string) string { return "claim:otp:cooldown:" + token }
func (s *SessionStore) verifiedKey(token string) string { return "claim:otp:verified:" + token }

// Create opens a new session in state matched, bound to the given patient.
func (s *SessionStore) Create(ctx context.Context, patientID string) (*ClaimSession, error) {
	session := &ClaimSession{
		Token:     uuid.NewString(),
		PatientID: patientID,
		State:     StateMatched,
		CreatedAt: s.now().UTC(),
	}
	if err := s.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session. Unknown or expired tokens yield ErrSessionExpired.
func (s *SessionStore) Get(ctx context.Context, token string) (*ClaimSession, error) {
	data, err := s.redis.Get(ctx, s.sessionKey(token)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("claiming: get session: %w", err)
	}
	var session ClaimSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("claiming: unmarshal session: %w", err)
	}
	return &session, nil
}

// Save persists a session and refreshes its inactivity window.
func (s *SessionStore) Save(ctx context.Context, session *ClaimSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("claiming: marshal session: %w", err)
	}
	if err := s.redis.Set(ctx, s.sessionKey(session.Token), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("claiming: set session: %w", err)
	}
	return nil
}

// Delete destroys a session and all its budget counters.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	keys := []string{
		s.sessionKey(token),
		s.attemptsKey(token),
		s.resendsKey(token),
		s.cooldownKey(token),
		s.verifiedKey(token),
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("claiming: delete session: %w", err)
	}
	return nil
}

// SaveQuery stores the disambiguation context for a multi-match search.
func (s *SessionStore) SaveQuery(ctx context.Context, query *PendingQuery) error {
	if query.Token == "" {
		query.Token = uuid.NewString()
	}
	if query.CreatedAt.IsZero() {
		query.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("claiming: marshal query: %w", err)
	}
	if err := s.redis.Set(ctx, s.queryKey(query.Token), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("claiming: set query: %w", err)
	}
	return nil
}

// GetQuery loads a disambiguation context. Stale or unknown tokens yield
// ErrInvalidSelection.
func (s *SessionStore) GetQuery(ctx context.Context, token string) (*PendingQuery, error) {
	data, err := s.redis.Get(ctx, s.queryKey(token)).Bytes()
	if err == redis.Nil {
		return nil, ErrInvalidSelection
	}
	if err != nil {
		return nil, fmt.Errorf("claiming: get query: %w", err)
	}
	var query PendingQuery
	if err := json.Unmarshal(data, &query); err != nil {
		return nil, fmt.Errorf("claiming: unmarshal query: %w", err)
	}
	return &query, nil
}

// DeleteQuery removes a consumed disambiguation context.
func (s *SessionStore) DeleteQuery(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.queryKey(token)).Err(); err != nil {
		return fmt.Errorf("claiming: delete query: %w", err)
	}
	return nil
}

// RegisterIssue enforces the resend cooldown and the rolling-window issue
// budget for one session. The first issuance also arms the cooldown, so an
// immediate resend is rejected. The resend budget is cumulative across the
// window and is never reset by a new code.
func (s *SessionStore) RegisterIssue(ctx context.Context, token string, resendLimit int, window, cooldown time.Duration) error {
	ok, err := s.redis.SetNX(ctx, s.cooldownKey(token), 1, cooldown).Result()
	if err != nil {
		return fmt.Errorf("claiming: set cooldown: %w", err)
	}
	if !ok {
		return ErrResendCooldown
	}

	count, err := s.redis.Incr(ctx, s.resendsKey(token)).Result()
	if err != nil {
		return fmt.Errorf("claiming: count issues: %w", err)
	}
	if count == 1 {
		s.redis.Expire(ctx, s.resendsKey(token), window)
	}
	// The budget covers resends; the initial send is free.
	if count > int64(resendLimit)+1 {
		return ErrResendLimitExceeded
	}
	return nil
}

// RefundIssue returns a consumed issue slot after a failed dispatch. The
// cooldown is cleared and the window counter rolled back so a provider
// outage does not charge the caller for codes that never went out.
func (s *SessionStore) RefundIssue(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.cooldownKey(token)).Err(); err != nil {
		return fmt.Errorf("claiming: clear cooldown: %w", err)
	}
	if err := s.redis.Decr(ctx, s.resendsKey(token)).Err(); err != nil {
		return fmt.Errorf("claiming: refund issue: %w", err)
	}
	return nil
}

// InitAttempts resets the verification-attempt budget. Called whenever a
// genuinely new code is issued.
func (s *SessionStore) InitAttempts(ctx context.Context, token string, attempts int) error {
	if err := s.redis.Set(ctx, s.attemptsKey(token), attempts, s.ttl).Err(); err != nil {
		return fmt.Errorf("claiming: init attempts: %w", err)
	}
	return nil
}

// ConsumeAttempt atomically decrements the remaining-attempts counter and
// returns the value after the decrement. Negative means the budget was
// already exhausted before this call.
func (s *SessionStore) ConsumeAttempt(ctx context.Context, token string) (int64, error) {
	remaining, err := s.redis.Decr(ctx, s.attemptsKey(token)).Result()
	if err != nil {
		return 0, fmt.Errorf("claiming: consume attempt: %w", err)
	}
	return remaining, nil
}

// MarkVerified flips the single-use verified marker. Exactly one caller per
// session observes true; replays and concurrent winners-up get false.
func (s *SessionStore) MarkVerified(ctx context.Context, token string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.verifiedKey(token), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming: mark verified: %w", err)
	}
	return ok, nil
}
