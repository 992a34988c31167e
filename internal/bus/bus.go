// Package bus carries audit and reload events between components.
package bus

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// New creates the event bus named by cfg.Type: channel for a single
// process, nats for a cluster.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
