//go:build linux

package probe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

const systemdCacheTTL = 5 * time.Second

// SystemdProbe reports whether a systemd unit (an external worker
// service) is active. Results are cached briefly; D-Bus is dialed lazily.
type SystemdProbe struct {
	unit string

	mu      sync.Mutex
	conn    *dbus.Conn
	last    bool
	expires time.Time
}

func Systemd(unit string) *SystemdProbe {
	unit = strings.TrimSpace(unit)
	if unit != "" && !strings.Contains(unit, ".") {
		unit += ".service"
	}
	return &SystemdProbe{unit: unit}
}

func (p *SystemdProbe) Available(ctx context.Context) bool {
	if p == nil || p.unit == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Before(p.expires) {
		return p.last
	}
	p.last = p.query(ctx)
	p.expires = now.Add(systemdCacheTTL)
	return p.last
}

func (p *SystemdProbe) query(ctx context.Context) bool {
	if p.conn == nil {
		conn, err := dbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return false
		}
		p.conn = conn
	}
	units, err := p.conn.ListUnitsByPatternsContext(ctx, nil, []string{p.unit})
	if err != nil {
		// Drop the connection; the next call redials.
		p.conn.Close()
		p.conn = nil
		return false
	}
	for _, u := range units {
		if u.Name == p.unit {
			return u.ActiveState == "active"
		}
	}
	return false
}

func (p *SystemdProbe) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()
}
