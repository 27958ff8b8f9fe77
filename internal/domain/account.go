package domain

import "time"

// Point economy constants. The owner pays RequestCost when a request is
// created; the verifier earns VerifyAward when it resolves. Each completed
// exchange burns one point, which bounds long-run inflation.
const (
	StartingPoints = 5
	RequestCost    = 1
	VerifyAward    = 2
)

// Account holds a user's identity and point balance. Identity fields come
// from the authentication boundary; the balance is mutated only through
// atomic adjustments, never read-modify-write.
type Account struct {
	UserID       string    `json:"id" dynamodbav:"user_id"`
	Handle       string    `json:"handle" dynamodbav:"handle"`
	Email        string    `json:"email" dynamodbav:"email"`
	Phone        *string   `json:"phone,omitempty" dynamodbav:"phone"`
	Points       int       `json:"points" dynamodbav:"points"`
	LastActiveAt time.Time `json:"last_active" dynamodbav:"last_active_at"`
	CreatedAt    time.Time `json:"created" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated" dynamodbav:"updated_at"`
}

// Stats summarizes one user's position in the exchange economy.
type Stats struct {
	Points   int `json:"points"`
	Given    int `json:"follows_given"`
	Received int `json:"follows_received"`
	Pending  int `json:"pending_follows"`
}
