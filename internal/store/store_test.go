package store

import (
	"errors"
	"fmt"
	"testing"
)

// Compile-time checks that the interface is importable and usable.
func TestMarketStoreInterfaceExists(t *testing.T) {
	_ = ErrNotFound
	_ = ErrConcurrentModification
	_ = CreateListingParams{}
	_ = EnterInitiatedStateParams{}

	var _ MarketStore
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("status update failed - %w", ErrConcurrentModification)
	if !errors.Is(wrapped, ErrConcurrentModification) {
		t.Errorf("Expected wrapped error to match ErrConcurrentModification")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Errorf("Expected wrapped error not to match ErrNotFound")
	}
	if ErrAlreadyListed.Error() != "utxos already listed" {
		t.Errorf("Unexpected ErrAlreadyListed message: %s", ErrAlreadyListed.Error())
	}
}
