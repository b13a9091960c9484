package ports

import "context"

// Notifier delivers one-line human readable messages to the operator.
// Delivery is fire-and-forget: implementations log failures and never return them.
type Notifier interface {
	Notify(ctx context.Context, text string)
}
