package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusDone = "DONE"
	StatusSeen = "SEEN"
)

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	RequestHash    string    `dynamodbav:"request_hash,omitempty"`    // sha256 of the original request body
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g., 201
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// RequestKey scopes a client Idempotency-Key to the user that sent it.
func RequestKey(userID, key string) string { return "order:" + userID + ":" + key }

// NonceKey namespaces a callback nonce.
func NonceKey(nonce string) string { return "nonce:" + nonce }
