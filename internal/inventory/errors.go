package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock matches every *StockError via errors.Is.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrRestockFailed means units could not be returned because the product or
	// variant slot they came from is gone.
	ErrRestockFailed = errors.New("restock failed")
)

// StockError names the line that could not be satisfied.
type StockError struct {
	ProductID string
	Name      string
	Color     string
	Size      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ProductID
	}
	if e.Available < 0 {
		return fmt.Sprintf("insufficient stock for %s: stock changed during checkout", name)
	}
	if e.Color != "" || e.Size != "" {
		return fmt.Sprintf("insufficient stock for %s (color %s, size %s): requested %d, available %d",
			name, e.Color, e.Size, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool { return target == ErrInsufficientStock }
