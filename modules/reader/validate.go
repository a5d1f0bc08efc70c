package reader

// ValidateBlockStates classifies the number of state records a store
// returned for blockNumber. Zero records is ErrNoBlockStateFound, which the
// retry policy treats as "not yet available"; more than one is a fatal
// ErrMultipleBlockStates.
func ValidateBlockStates(blockNumber uint64, count int) error {
	switch {
	case count == 1:
		return nil
	case count == 0:
		return &BlockStateError{BlockNumber: blockNumber, Count: count, Err: ErrNoBlockStateFound}
	default:
		return &BlockStateError{BlockNumber: blockNumber, Count: count, Err: ErrMultipleBlockStates}
	}
}
