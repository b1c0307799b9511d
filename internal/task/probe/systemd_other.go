//go:build !linux

package probe

import "context"

// SystemdProbe is always unavailable off linux.
type SystemdProbe struct{}

func Systemd(unit string) *SystemdProbe { return &SystemdProbe{} }

func (p *SystemdProbe) Available(context.Context) bool { return false }

func (p *SystemdProbe) Close() {}
