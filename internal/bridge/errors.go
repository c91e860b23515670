package bridge

import (
	"errors"

	"github.com/basket/walletbridge/internal/authgate"
	"github.com/basket/walletbridge/internal/commands"
	"github.com/basket/walletbridge/internal/relay"
	"github.com/basket/walletbridge/internal/session"
	"github.com/basket/walletbridge/internal/wallet"
)

// JSON-RPC error codes sent to peers.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeUserRejected   = 4001
	CodeUnauthorized   = 4100
	CodeBackend        = 5000
)

// ErrNotHead is returned by Approve and Reject when the id is not the head
// of the confirmation queue. The queue is left untouched.
var ErrNotHead = errors.New("not the head of the confirmation queue")

var (
	errNotGranted   = errors.New("method not granted for session")
	errDisconnected = errors.New("session disconnected")

	errResultWithheld = errors.New("result withheld: response contained secret material")
)

// responseError maps err to the error member of a peer response.
func responseError(err error) *relay.ResponseError {
	var (
		ve *commands.ValidationError
		be *wallet.BackendError
	)
	switch {
	case errors.As(err, &be):
		return &relay.ResponseError{Code: CodeBackend, Message: be.Message}
	case errors.As(err, &ve):
		return &relay.ResponseError{Code: CodeInvalidParams, Message: ve.Error()}
	case errors.Is(err, commands.ErrUnknownCommand):
		return &relay.ResponseError{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, authgate.ErrAuthentication):
		return &relay.ResponseError{Code: CodeUserRejected, Message: err.Error()}
	case errors.Is(err, errNotGranted),
		errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, session.ErrAccountChanged),
		errors.Is(err, errDisconnected):
		return &relay.ResponseError{Code: CodeUnauthorized, Message: err.Error()}
	default:
		return &relay.ResponseError{Code: CodeInternal, Message: err.Error()}
	}
}
