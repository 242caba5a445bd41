package aws

import (
	"context"
	"errors"
	"fmt"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// MaxTransactItems is DynamoDB's per-transaction item limit.
const MaxTransactItems = 100

const transactConflictRetries = 3

var (
	// ErrConditionFailed indicates a conditional write was rejected.
	ErrConditionFailed = errors.New("conditional check failed")
	// ErrTransactionConflict indicates the transaction kept colliding with concurrent writers.
	ErrTransactionConflict = errors.New("transaction conflict")
)

// TxGroup is a run of transaction items contributed by one store. When one of its
// items fails its condition, OnConditionFailed turns the index (relative to the group)
// into a domain error.
type TxGroup struct {
	Items             []types.TransactWriteItem
	OnConditionFailed func(index int) error
}

// TransactWrite commits every group's items atomically. A condition failure is
// reported through the owning group's handler, falling back to ErrConditionFailed.
func TransactWrite(ctx context.Context, client DynamoDBAPI, groups ...TxGroup) error {
	var items []types.TransactWriteItem
	for _, g := range groups {
		items = append(items, g.Items...)
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxTransactItems {
		return fmt.Errorf("transaction has %d items, limit is %d", len(items), MaxTransactItems)
	}

	var lastErr error
	for attempt := 0; attempt < transactConflictRetries; attempt++ {
		_, err := client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return nil
		}

		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return fmt.Errorf("transact write: %w", err)
		}

		conflict := false
		for i, reason := range tce.CancellationReasons {
			code := ""
			if reason.Code != nil {
				code = *reason.Code
			}
			switch code {
			case "ConditionalCheckFailed":
				return groupError(groups, i)
			case "TransactionConflict":
				conflict = true
			}
		}
		if !conflict {
			return fmt.Errorf("transaction canceled: %w", err)
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrTransactionConflict, lastErr)
}

func groupError(groups []TxGroup, index int) error {
	offset := 0
	for _, g := range groups {
		if index < offset+len(g.Items) {
			if g.OnConditionFailed != nil {
				if err := g.OnConditionFailed(index - offset); err != nil {
					return err
				}
			}
			return ErrConditionFailed
		}
		offset += len(g.Items)
	}
	return ErrConditionFailed
}

// IsConditionFailed reports whether err is a DynamoDB conditional check failure.
func IsConditionFailed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConditionFailed) {
		return true
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// String returns a pointer to s, for SDK input fields.
func String(s string) *string { return &s }
