// Package follow implements the follow-exchange ledger and queue engine:
// request creation, queue selection, code verification with exactly-once
// point transfer, and user stats.
package follow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/followswap/internal/domain"
	"github.com/followswap/internal/pkg/code"
	"github.com/followswap/internal/pkg/id"
)

// maxCodeAttempts bounds collision re-rolls during code generation. With a
// 36^6 code space a single retry is already vanishingly unlikely.
const maxCodeAttempts = 5

// Identity is the authenticated caller as supplied by the identity boundary.
// The engine trusts these fields.
type Identity struct {
	UserID string
	Handle string
	Email  string
	Phone  *string
}

type Service interface {
	RequestFollow(ctx context.Context, ident Identity, req domain.CreateFollowRequest) (*domain.FollowRequest, error)
	ListQueue(ctx context.Context, ident Identity, limit int) ([]domain.QueueEntry, error)
	VerifyFollow(ctx context.Context, ident Identity, requestID, submittedCode string) (int, error)
	Stats(ctx context.Context, ident Identity) (*domain.Stats, error)
	History(ctx context.Context, ident Identity) ([]domain.FollowRequest, error)
}

type accountStore interface {
	CreateIfAbsent(ctx context.Context, a *domain.Account) error
	Get(ctx context.Context, userID string) (*domain.Account, error)
	TouchLastActive(ctx context.Context, userID string) error
}

type requestStore interface {
	CreateCharged(ctx context.Context, fr *domain.FollowRequest) error
	Get(ctx context.Context, requestID string) (*domain.FollowRequest, error)
	QueryPending(ctx context.Context, excludeOwnerID string, limit int) ([]domain.FollowRequest, error)
	CodeInPendingUse(ctx context.Context, verificationCode string) (bool, error)
	VerifyAndAward(ctx context.Context, requestID, verifierID string) (int, error)
	CountByOwner(ctx context.Context, ownerID, status string) (int, error)
	CountVerifiedBy(ctx context.Context, userID string) (int, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.FollowRequest, error)
	ListVerifiedBy(ctx context.Context, userID string) ([]domain.FollowRequest, error)
}

type mailer interface {
	SendEmail(to, subject, body string) error
}

type smsSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

type service struct {
	requests   requestStore
	accounts   accountStore
	mailer     mailer
	smsSender  smsSender
	followTTL  time.Duration
	queueLimit int
	now        func() time.Time
}

type ServiceDeps struct {
	Requests   requestStore
	Accounts   accountStore
	Mailer     mailer
	SMSSender  smsSender
	FollowTTL  time.Duration
	QueueLimit int
	Now        func() time.Time // defaults to time.Now
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		requests:   deps.Requests,
		accounts:   deps.Accounts,
		mailer:     deps.Mailer,
		smsSender:  deps.SMSSender,
		followTTL:  deps.FollowTTL,
		queueLimit: deps.QueueLimit,
		now:        deps.Now,
	}
	if s.followTTL <= 0 {
		s.followTTL = 24 * time.Hour
	}
	if s.queueLimit <= 0 {
		s.queueLimit = 10
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RequestFollow spends one point to place a new pending request in the queue
// and returns it with its verification code. The point charge and the
// request insert commit as a unit in the store.
func (s *service) RequestFollow(ctx context.Context, ident Identity, req domain.CreateFollowRequest) (*domain.FollowRequest, error) {
	target := strings.TrimSpace(req.TargetHandle)
	if target == "" {
		return nil, fmt.Errorf("target handle is required: %w", domain.ErrInvalidHandle)
	}
	if strings.EqualFold(target, ident.Handle) {
		return nil, fmt.Errorf("cannot request a follow for your own handle: %w", domain.ErrInvalidHandle)
	}

	if err := s.ensureAccount(ctx, ident); err != nil {
		return nil, err
	}

	verificationCode, err := s.uniquePendingCode(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	fr := &domain.FollowRequest{
		RequestID:        id.New(),
		OwnerID:          ident.UserID,
		OwnerHandle:      ident.Handle,
		TargetHandle:     target,
		VerificationCode: verificationCode,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.followTTL).Unix(),
	}
	if err := s.requests.CreateCharged(ctx, fr); err != nil {
		return nil, err
	}

	// Code delivery is a collaborator concern: off the critical path, own
	// retry, never fails the operation.
	go s.deliverCode(ident, fr)
	s.touch(ctx, ident.UserID)

	return fr, nil
}

// ListQueue returns up to limit pending requests the caller may fulfill,
// oldest first, ties broken by request id.
func (s *service) ListQueue(ctx context.Context, ident Identity, limit int) ([]domain.QueueEntry, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit must be positive: %w", domain.ErrBadRequest)
	}
	if limit == 0 {
		limit = s.queueLimit
	}
	if err := s.ensureAccount(ctx, ident); err != nil {
		return nil, err
	}

	pending, err := s.queryPendingRetry(ctx, ident.UserID, limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].RequestID < pending[j].RequestID
	})

	entries := make([]domain.QueueEntry, 0, len(pending))
	for _, fr := range pending {
		entries = append(entries, domain.QueueEntry{
			RequestID:    fr.RequestID,
			TargetHandle: fr.TargetHandle,
			CreatedAt:    fr.CreatedAt,
		})
	}
	return entries, nil
}

// VerifyFollow redeems a verification code against a request. On success the
// request is Verified exactly once and the verifier earns the award; the new
// balance is returned.
func (s *service) VerifyFollow(ctx context.Context, ident Identity, requestID, submittedCode string) (int, error) {
	fr, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if fr.OwnerID == ident.UserID {
		return 0, fmt.Errorf("request %s belongs to the caller: %w", requestID, domain.ErrSelfVerification)
	}
	// Single outcome for any mismatch; don't reveal which part failed.
	if !code.Matches(fr.VerificationCode, submittedCode) {
		return 0, fmt.Errorf("code mismatch for request %s: %w", requestID, domain.ErrInvalidCode)
	}

	if err := s.ensureAccount(ctx, ident); err != nil {
		return 0, err
	}

	// Compare-and-swap: only one racing verifier (or the sweeper) wins the
	// pending->terminal transition, and the award commits in the same
	// transaction. A failed attempt leaves the request pending and unpaid,
	// so a retry finds it still claimable.
	balance, err := s.requests.VerifyAndAward(ctx, requestID, ident.UserID)
	if err != nil {
		return 0, err
	}
	s.touch(ctx, ident.UserID)
	return balance, nil
}

// Stats reports the caller's balance and exchange counters.
func (s *service) Stats(ctx context.Context, ident Identity) (*domain.Stats, error) {
	if err := s.ensureAccount(ctx, ident); err != nil {
		return nil, err
	}
	var st domain.Stats
	err := s.readRetry(ctx, func(ctx context.Context) error {
		acct, err := s.accounts.Get(ctx, ident.UserID)
		if err != nil {
			return err
		}
		given, err := s.requests.CountVerifiedBy(ctx, ident.UserID)
		if err != nil {
			return err
		}
		received, err := s.requests.CountByOwner(ctx, ident.UserID, domain.StatusVerified)
		if err != nil {
			return err
		}
		pending, err := s.requests.CountByOwner(ctx, ident.UserID, domain.StatusPending)
		if err != nil {
			return err
		}
		st = domain.Stats{Points: acct.Points, Given: given, Received: received, Pending: pending}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// History returns the caller's own requests plus those they verified for
// others, newest first.
func (s *service) History(ctx context.Context, ident Identity) ([]domain.FollowRequest, error) {
	var merged []domain.FollowRequest
	err := s.readRetry(ctx, func(ctx context.Context) error {
		own, err := s.requests.ListByOwner(ctx, ident.UserID)
		if err != nil {
			return err
		}
		verified, err := s.requests.ListVerifiedBy(ctx, ident.UserID)
		if err != nil {
			return err
		}
		merged = append(own, verified...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].RequestID > merged[j].RequestID
	})
	return merged, nil
}

// ensureAccount lazily provisions the caller's account with the starting
// balance on first touch.
func (s *service) ensureAccount(ctx context.Context, ident Identity) error {
	_, err := s.accounts.Get(ctx, ident.UserID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	now := s.now().UTC()
	return s.accounts.CreateIfAbsent(ctx, &domain.Account{
		UserID:       ident.UserID,
		Handle:       ident.Handle,
		Email:        ident.Email,
		Phone:        ident.Phone,
		Points:       domain.StartingPoints,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// uniquePendingCode generates a code and re-rolls on collision against
// currently pending codes. Collisions are negligible but checked, not
// assumed away.
func (s *service) uniquePendingCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		c, err := code.New(domain.CodeLength)
		if err != nil {
			return "", err
		}
		inUse, err := s.requests.CodeInPendingUse(ctx, c)
		if err != nil {
			return "", err
		}
		if !inUse {
			return c, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique verification code after %d attempts", maxCodeAttempts)
}

func (s *service) deliverCode(ident Identity, fr *domain.FollowRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body := fmt.Sprintf(
		"Share this code with whoever follows @%s for you: %s\nThe request expires in %s.",
		fr.TargetHandle, fr.VerificationCode, s.followTTL,
	)
	err := s.mailer.SendEmail(ident.Email, "Your follow verification code", body)
	if err == nil {
		return
	}
	slog.Warn("email delivery of verification code failed", "request_id", fr.RequestID, "err", err)

	if ident.Phone != nil && s.smsSender != nil {
		if err := s.smsSender.SendSMS(ctx, *ident.Phone, "FollowSwap code: "+fr.VerificationCode); err != nil {
			slog.Warn("sms delivery of verification code failed", "request_id", fr.RequestID, "err", err)
		}
	}
}

func (s *service) touch(ctx context.Context, userID string) {
	if err := s.accounts.TouchLastActive(ctx, userID); err != nil {
		slog.Debug("could not update last-active timestamp", "user_id", userID, "err", err)
	}
}

// queryPendingRetry retries the queue read once on connectivity loss. Only
// reads are retried blindly; mutations re-query state instead.
func (s *service) queryPendingRetry(ctx context.Context, excludeOwnerID string, limit int) ([]domain.FollowRequest, error) {
	pending, err := s.requests.QueryPending(ctx, excludeOwnerID, limit)
	if errors.Is(err, domain.ErrStoreUnavailable) {
		pending, err = s.requests.QueryPending(ctx, excludeOwnerID, limit)
	}
	return pending, err
}

func (s *service) readRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if errors.Is(err, domain.ErrStoreUnavailable) {
		err = fn(ctx)
	}
	return err
}
