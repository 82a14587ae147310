package system

import "context"

// Service is a component the Manager starts and stops in registration order.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
