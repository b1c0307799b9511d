package probe

import (
	"strings"
	"time"

	"invtasks/internal/storage"
)

// Modes accepted by Config.Mode.
const (
	ModeEngine    = "engine"
	ModeHeartbeat = "heartbeat"
	ModeSystemd   = "systemd"
	ModeNone      = "none"
)

type Config struct {
	// Mode may list several modes separated by commas; any of them
	// reporting available is enough.
	Mode          string
	HeartbeatFunc string
	Window        time.Duration
	Unit          string
}

type Deps struct {
	Engine  Runner
	Results storage.ResultReader
}

// FromConfig builds the probe for cfg.Mode. Unknown modes are ignored;
// an empty result is Static(false).
func FromConfig(cfg Config, deps Deps) Probe {
	var probes []Probe
	for _, mode := range strings.Split(cfg.Mode, ",") {
		switch strings.ToLower(strings.TrimSpace(mode)) {
		case ModeEngine, "":
			if deps.Engine != nil {
				probes = append(probes, Engine(deps.Engine))
			}
		case ModeHeartbeat:
			if deps.Results != nil {
				probes = append(probes, Heartbeat(deps.Results, cfg.HeartbeatFunc, cfg.Window))
			}
		case ModeSystemd:
			probes = append(probes, Systemd(cfg.Unit))
		case ModeNone:
			return Static(false)
		}
	}
	switch len(probes) {
	case 0:
		return Static(false)
	case 1:
		return probes[0]
	default:
		return Any(probes...)
	}
}
