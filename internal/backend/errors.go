package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	apperrors "graphplane-backend/pkg/errors"
)

// syntaxPatterns are permanent-error markers from the graph engine. A
// response body containing one of these is a Syntax error regardless of
// HTTP status and is never retried.
var syntaxPatterns = []string{
	"parser exception",
	"binder exception",
	"catalog exception",
	"does not exist",
	"cannot find property",
	"invalid input",
	"syntax error",
}

func isSyntaxBody(body string) bool {
	lower := strings.ToLower(body)
	for _, pattern := range syntaxPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// classifyStatus maps an HTTP response to the error taxonomy. The body is
// inspected first: permanent engine errors win over the status code.
func classifyStatus(status int, body string) *apperrors.AppError {
	if isSyntaxBody(body) {
		return apperrors.NewSyntax(truncateBody(body)).WithStatus(status)
	}

	switch {
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return apperrors.NewTransient(fmt.Sprintf("backend returned %d: %s", status, truncateBody(body)), nil).WithStatus(status)
	case status == http.StatusBadRequest,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity:
		return apperrors.NewClient(fmt.Sprintf("backend returned %d: %s", status, truncateBody(body))).WithStatus(status)
	case status >= 500:
		return apperrors.NewServer(fmt.Sprintf("backend returned %d: %s", status, truncateBody(body)), nil).WithStatus(status)
	default:
		return apperrors.NewClient(fmt.Sprintf("unexpected backend status %d: %s", status, truncateBody(body))).WithStatus(status)
	}
}

// classifyTransport maps transport-level failures. Timeouts are their own
// retriable subtype; everything else on the wire is Transient.
func classifyTransport(err error) *apperrors.AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeout("request deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTimeout("request timed out", err)
	}
	return apperrors.NewTransient("request failed", err)
}

func truncateBody(body string) string {
	const max = 500
	body = strings.TrimSpace(body)
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}
