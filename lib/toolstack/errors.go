package toolstack

import (
	"errors"
	"fmt"
)

// ErrFailure marks errors returned by the toolstack.
var ErrFailure = errors.New("toolstack failure")

// Wrap marks err as a toolstack failure of op. Both ErrFailure and err
// remain matchable with errors.Is. A nil err stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrFailure, op, err)
}
