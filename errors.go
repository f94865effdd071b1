package statesync

import "github.com/rotisserie/eris"

var (
	ErrCorruptPayload     = eris.New("client message could not be decoded")
	ErrUnknownMessageType = eris.New("unknown client message type")
	ErrAlreadyRunning     = eris.New("engine is already running")
	ErrAlreadyStarted     = eris.New("engine has already published a snapshot")
	ErrTickChannelClosed  = eris.New("tick channel has been closed")
	ErrNilTransport       = eris.New("transport cannot be nil")
)
