package component

import "github.com/rotisserie/eris"

var (
	ErrDuplicateKind    = eris.New("component kind is already registered")
	ErrDuplicateName    = eris.New("component name is already registered")
	ErrUnknownKind      = eris.New("component kind is not registered")
	ErrUnknownComponent = eris.New("component type is not registered")
	ErrKindMismatch     = eris.New("state kind does not match component kind")
)
