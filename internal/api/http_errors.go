package api

import (
	"errors"
	"net/http"

	"github.com/orchestra-systems/orchestrator/internal/core"
)

// httpStatusForDomainError maps a core.Error's Kind to the HTTP status the
// dashboard and health endpoints report for it.
func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.Error
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Kind {
	case core.KindInvalidInput, core.KindInvalidTaskID, core.KindPathEscape:
		return http.StatusUnprocessableEntity, true
	case core.KindWorkspaceMissing, core.KindUnknownJob:
		return http.StatusNotFound, true
	case core.KindInvalidTransition, core.KindBlockedEdit:
		return http.StatusConflict, true
	case core.KindAuthMissing:
		return http.StatusUnauthorized, true
	case core.KindTurnTimeout:
		return http.StatusGatewayTimeout, true
	case core.KindHostError:
		return http.StatusBadGateway, true
	default:
		return http.StatusInternalServerError, true
	}
}
