package backfill

import (
	"errors"
	"fmt"
)

// Static errors returned by planners and workers
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidRange    = fmt.Errorf("%w: startDate must be less than or equal to endDate", ErrInvalidArgument)
	ErrInvalidFormat   = fmt.Errorf("%w: date must use YYYY-MM-DD format", ErrInvalidArgument)
	ErrMissingChunk    = errors.New("missing chunk payload")
)
