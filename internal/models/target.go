package models

import (
	"strconv"
	"strings"
)

// DefaultEnv is the toolchain environment used when a target names none
const DefaultEnv = "megaatmega2560"

// Overlay holds the recognized per-target configuration keys
type Overlay struct {
	UpstreamConf string            `json:"upstream_conf,omitempty"`
	Conf         string            `json:"conf,omitempty"`
	Env          string            `json:"env"`
	Marlin2Only  bool              `json:"marlin_2_only,omitempty"`
	Raw          map[string]string `json:"raw,omitempty"`
}

// NewOverlay builds an Overlay from a raw key/value section
func NewOverlay(raw map[string]string) Overlay {
	o := Overlay{
		UpstreamConf: strings.TrimSpace(raw["upstream_conf"]),
		Conf:         strings.TrimSpace(raw["conf"]),
		Env:          strings.TrimSpace(raw["env"]),
		Raw:          raw,
	}
	if o.Env == "" {
		o.Env = DefaultEnv
	}
	if v, ok := raw["marlin_2_only"]; ok {
		o.Marlin2Only = presenceFlag(v)
	}
	return o
}

// presenceFlag treats a bare or truthy key as set. An explicit false value
// unsets it.
func presenceFlag(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		switch strings.ToLower(v) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
		return true
	}
	return b
}

// Target is one (manufacturer, printer) build unit
type Target struct {
	Manufacturer string  `json:"manufacturer"`
	Printer      string  `json:"printer"`
	Overlay      Overlay `json:"overlay"`
}

// Dir returns the target's output directory relative to the output root
func (t Target) Dir() (string, string) {
	return strings.ToLower(t.Manufacturer), strings.ToLower(t.Printer)
}
