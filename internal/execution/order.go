package execution

import (
	"fmt"

	"market_maker/internal/domain"
)

// legal lists the forward transitions of the order state machine.
// Self-transitions are handled separately.
var legal = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusNew: {
		domain.OrderStatusSubmitted,
		domain.OrderStatusRejected,
		domain.OrderStatusExpired,
	},
	domain.OrderStatusSubmitted: {
		domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled,
		domain.OrderStatusCanceled,
		domain.OrderStatusRejected,
		domain.OrderStatusExpired,
	},
	domain.OrderStatusPartiallyFilled: {
		domain.OrderStatusFilled,
		domain.OrderStatusCanceled,
		domain.OrderStatusExpired,
	},
}

// transition moves o to next. A repeat of the current non-terminal state is
// a no-op. Anything else that is not a listed forward edge returns
// ErrInconsistentTransition and leaves o unchanged.
func transition(o *domain.Order, next domain.OrderStatus) error {
	if o.Status == next && !next.IsTerminal() {
		return nil
	}
	for _, s := range legal[o.Status] {
		if s == next {
			o.Status = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", domain.ErrInconsistentTransition, o.ClientID, o.Status, next)
}
