package repository

import (
	"errors"
	"fmt"

	"github.com/kursadbilgin/push-fanout/internal/domain"
	"gorm.io/gorm"
)

// storeError maps a gorm error onto the domain error kinds. Anything that is
// not a missing record is reported as the store being unavailable.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
