package executor

import (
	"fmt"

	"github.com/msageha/fleetguard/internal/model"
)

// New returns the executor named by cfg, serialized per host.
func New(cfg model.ExecutorConfig) (*Serialized, error) {
	switch cfg.Kind {
	case "", "local":
		return NewSerialized(NewLocal()), nil
	case "ssh":
		s, err := NewSSH(cfg.SSH)
		if err != nil {
			return nil, err
		}
		return NewSerialized(s), nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}
