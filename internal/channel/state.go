package channel

import (
	"errors"
	"fmt"

	"storefront-inventory/internal/models"
)

// ErrInvalidTransition is returned when an operation is not legal in the current state
var ErrInvalidTransition = errors.New("invalid connection state transition")

// transitions lists the legal moves of the connection state machine.
// Any state may move to disconnected; that edge is handled separately.
var transitions = map[models.ConnectionState][]models.ConnectionState{
	models.StateDisconnected: {models.StateConnecting},
	models.StateConnecting:   {models.StateConnected, models.StateReconnecting, models.StateError},
	models.StateConnected:    {models.StateReconnecting},
	models.StateReconnecting: {models.StateConnected, models.StateError},
	models.StateError:        {models.StateConnecting},
}

// canTransition reports whether from -> to is a legal move
func canTransition(from, to models.ConnectionState) bool {
	if to == models.StateDisconnected {
		return from != models.StateDisconnected
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func transitionError(from, to models.ConnectionState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
