package book

import "github.com/pkg/errors"

// Recoverable apply errors. The book is left untouched whenever one of these
// is returned.
var (
	// ErrUnknownOrder is returned when a Cancel or Modify references an
	// order id that is not resting on the book.
	ErrUnknownOrder = errors.New("unknown order id")
	// ErrDuplicateOrder is returned when an Add reuses an id that is
	// already resting.
	ErrDuplicateOrder = errors.New("duplicate order id")
	// ErrWouldCross is returned when applying the message would leave the
	// best bid at or above the best ask.
	ErrWouldCross = errors.New("order would cross the book")
	// ErrInvalidSize is returned for a zero-size Add or Modify.
	ErrInvalidSize = errors.New("invalid order size")
	// ErrInvalidSide is returned for an Add without a definite side.
	ErrInvalidSide = errors.New("invalid order side")
)

// ErrorKind maps a recoverable apply error to its stable wire name. Unknown
// errors map to the empty string.
func ErrorKind(err error) string {
	switch errors.Cause(err) {
	case ErrUnknownOrder:
		return "unknown_order"
	case ErrDuplicateOrder:
		return "duplicate_order"
	case ErrWouldCross:
		return "would_cross"
	case ErrInvalidSize:
		return "invalid_size"
	case ErrInvalidSide:
		return "invalid_side"
	default:
		return ""
	}
}
