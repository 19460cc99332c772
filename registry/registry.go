// Package registry maps service names to the addresses serving them.
package registry

import "context"

// ServiceInstance is one server advertising a service.
type ServiceInstance struct {
	Addr    string
	Codec   string `json:",omitempty"` // Preferred codec name, see codec.ParseCodecType
	Version string `json:",omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
