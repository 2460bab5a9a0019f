package repositories

import "fmt"

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates the required quantity exceeds availability.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorMaterialNotFound indicates the material document is missing.
	InventoryErrorMaterialNotFound InventoryErrorCode = "inventory_material_not_found"
	// InventoryErrorMaterialExpired indicates the material passed its expiry and cannot be used.
	InventoryErrorMaterialExpired InventoryErrorCode = "inventory_material_expired"
	// InventoryErrorDeductionNotFound indicates the deduction document is missing.
	InventoryErrorDeductionNotFound InventoryErrorCode = "inventory_deduction_not_found"
	// InventoryErrorInvalidDeductionState indicates the deduction status forbids the operation.
	InventoryErrorInvalidDeductionState InventoryErrorCode = "inventory_invalid_state"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op      string
	Code    InventoryErrorCode
	Message string
	Err     error

	// MaterialID, Required and Available are populated for insufficient stock
	// and expiry failures so callers can report the offending line.
	MaterialID string
	Required   float64
	Available  float64
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInsufficientStockError reports a material whose availability fell short.
func NewInsufficientStockError(materialID string, required, available float64) *InventoryError {
	return &InventoryError{
		Code:       InventoryErrorInsufficientStock,
		Message:    fmt.Sprintf("material %s requires %.3f but only %.3f available", materialID, required, available),
		MaterialID: materialID,
		Required:   required,
		Available:  available,
	}
}
