package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Mode is the deployment mode of a run
type Mode string

const (
	// ModeSingleShot replies to at most one post and exits
	ModeSingleShot Mode = "single-shot"
	// ModeContinuous loops until the process is told to stop
	ModeContinuous Mode = "continuous"
)

var _ pflag.Value = (*Mode)(nil)

func (m Mode) String() string { return string(m) }

// Set implements pflag.Value
func (m *Mode) Set(s string) error {
	v := Mode(s)
	if err := v.validate(); err != nil {
		return err
	}
	*m = v
	return nil
}

// Type implements pflag.Value
func (m *Mode) Type() string { return "mode" }

func (m Mode) validate() error {
	switch m {
	case ModeSingleShot, ModeContinuous:
		return nil
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", string(m), ModeSingleShot, ModeContinuous)
	}
}
