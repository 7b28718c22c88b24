package cmd

import (
	"errors"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/pkg/queue"
)

// Exit codes promised by the CLI contract.
const (
	exitOK            = 0
	exitFailure       = 1
	exitConfigMissing = 2
	exitTransport     = 3
	exitImageRefresh  = 4
)

// errImageRefresh tags image refresh failures so the start path exits 4.
var errImageRefresh = errors.New("image refresh failed")

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrMissingCredential):
		return exitConfigMissing
	case errors.Is(err, errImageRefresh):
		return exitImageRefresh
	case queue.IsTransport(err):
		return exitTransport
	default:
		return exitFailure
	}
}
