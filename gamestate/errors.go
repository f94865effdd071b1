package gamestate

import "github.com/rotisserie/eris"

var (
	ErrEntityNotFound           = eris.New("entity does not exist")
	ErrEntityExists             = eris.New("entity already exists")
	ErrComponentNotOnEntity     = eris.New("entity does not have the component")
	ErrComponentAlreadyOnEntity = eris.New("entity already has the component")
	ErrTickNotAdvanced          = eris.New("snapshot tick must advance")
)
