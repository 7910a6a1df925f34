package chat

import (
	"errors"
	"fmt"
)

// Claim and send failures. None of them are fatal to the connection; the
// client may retry with corrected input.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNameTaken       = errors.New("name already taken")
	ErrUnauthenticated = errors.New("identity required")
	ErrUnknownReply    = errors.New("reply target not found")
)

// Both wrap ErrInvalidInput.
var (
	ErrInvalidName  = fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
	ErrInvalidColor = fmt.Errorf("%w: color must match #RRGGBB", ErrInvalidInput)
)

// Transport misuse: the connection id does not name a live session.
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session closed")
)
