package domain

import "time"

// Follow request lifecycle states. Verified and Expired are terminal; a
// request leaves Pending at most once, enforced by conditional writes in the
// ledger store.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusExpired  = "expired"
)

// CodeLength is the length of the uppercase alphanumeric verification code
// shared out-of-band with the request owner.
const CodeLength = 6

// FollowRequest is one entry in the exchange ledger: a user spent a point
// asking to be followed on the external network, and holds a single-use code
// that whoever performs the follow can redeem for points.
type FollowRequest struct {
	RequestID        string     `json:"id" dynamodbav:"request_id"`
	OwnerID          string     `json:"owner_id" dynamodbav:"owner_id"`
	OwnerHandle      string     `json:"owner_handle" dynamodbav:"owner_handle"`
	TargetHandle     string     `json:"target_handle" dynamodbav:"target_handle"`
	VerificationCode string     `json:"-" dynamodbav:"verification_code"`
	Status           string     `json:"status" dynamodbav:"status"`
	VerifiedBy       *string    `json:"verified_by,omitempty" dynamodbav:"verified_by"`
	CreatedAt        time.Time  `json:"created" dynamodbav:"created_at"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty" dynamodbav:"verified_at"`
	ExpiresAt        int64      `json:"expires_at" dynamodbav:"expires_at"` // Unix seconds, created_at + TTL
}

// CreateFollowRequest is the payload for asking to be followed.
type CreateFollowRequest struct {
	TargetHandle string `json:"target_handle" validate:"required,handle,max=64"`
}

// VerifyFollowRequest is the payload for redeeming a verification code.
type VerifyFollowRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// QueueEntry is the caller-facing projection of a pending request. The
// verification code never appears here; it travels only out-of-band.
type QueueEntry struct {
	RequestID    string    `json:"id"`
	TargetHandle string    `json:"target_handle"`
	CreatedAt    time.Time `json:"created"`
}
