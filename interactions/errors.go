// Package interactions routes typed messages between clients and between
// clients and the place, tracking outstanding cross-client requests.
package interactions

import (
	"fmt"

	"placeserver/wire"
)

// DomainPlace is the error domain of the place server itself.
const DomainPlace = "place"

// Error codes of the place domain.
const (
	CodeInvalidRequest              = "invalidRequest"
	CodeNotFound                    = "notFound"
	CodeUnauthorized                = "unauthorized"
	CodeRecipientUnavailable        = "recipientUnavailable"
	CodeRecipientTimedOut           = "recipientTimedOut"
	CodeInvalidResponse             = "invalidResponse"
	CodeIncompatibleProtocolVersion = "incompatibleProtocolVersion"
	CodeDiscardedRenegotiation      = "discardedRenegotiation"
	CodeFailedRenegotiation         = "failedRenegotiation"
	CodeFailedSignalling            = "failedSignalling"
	CodeInternalServerError         = "internalServerError"
)

// Errorf builds a place-domain error body.
func Errorf(code, format string, args ...interface{}) wire.ErrorBody {
	return wire.ErrorBody{
		Domain:      DomainPlace,
		Code:        code,
		Description: fmt.Sprintf(format, args...),
	}
}

// IsFatal reports whether an error code ends the connection after the error
// response is delivered.
func IsFatal(code string) bool {
	switch code {
	case CodeIncompatibleProtocolVersion, CodeFailedRenegotiation, CodeInternalServerError:
		return true
	}
	return false
}
