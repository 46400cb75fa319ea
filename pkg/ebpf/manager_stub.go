//go:build !linux

package ebpf

import (
	"go.uber.org/zap"

	"github.com/saworbit/vfsio/pkg/config"
	"github.com/saworbit/vfsio/pkg/kernel"
)

// NewManager reports unsupported platforms when Linux eBPF is unavailable.
func NewManager(_ *config.EBPFConfig, _ [kernel.ExcludeSlots]uint32, _ *zap.Logger) (Manager, error) {
	return nil, ErrUnsupported
}

// LoadLayout reports unsupported platforms when Linux eBPF is unavailable.
func LoadLayout(_ *config.EBPFConfig, _ *zap.Logger) (kernel.Layout, string, error) {
	return kernel.Layout{}, "", ErrUnsupported
}
