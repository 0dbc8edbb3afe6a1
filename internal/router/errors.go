package router

import (
	"fmt"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
)

func errNoCandidates(strategy Strategy) error {
	return ferrors.Wrap("router", "Select", fmt.Errorf("%w: no configured candidates for strategy %s", ferrors.ErrProviderExhausted, strategy))
}
