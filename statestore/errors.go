package statestore

import "github.com/rotisserie/eris"

var (
	ErrNonMonotonicTick  = eris.New("snapshot tick must be greater than the latest stored tick")
	ErrUnknownConnection = eris.New("connection is not registered")
	ErrAckFromFuture     = eris.New("ack is for a tick that has not been produced")
)
