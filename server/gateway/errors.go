package gateway

import (
	"errors"
	"fmt"

	"taskchat/server/model"
	"taskchat/server/store"
)

// ErrProtocol marks a malformed or incomplete client event. It is wrapped
// with the specific reason.
var ErrProtocol = errors.New("protocol error")

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Reasons sent for store failures. The driver error stays in the server log.
const (
	reasonNotStored    = "message could not be stored"
	reasonNoHistory    = "history could not be loaded"
	reasonStoreFailure = "message store unavailable"
)

// errorEvent maps err onto the error event sent to the acting session.
func errorEvent(requestID string, err error) model.ServerEvent {
	var perr *store.PersistenceError
	if errors.As(err, &perr) {
		reason := reasonStoreFailure
		switch perr.Op {
		case store.OpAppend:
			reason = reasonNotStored
		case store.OpFetchHistory:
			reason = reasonNoHistory
		}
		return model.NewError(requestID, model.ErrorCodePersistence, reason)
	}
	return model.NewError(requestID, model.ErrorCodeProtocol, err.Error())
}
