package telem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultPowerSupplyPath is where Linux exposes battery state.
const DefaultPowerSupplyPath = "/sys/class/power_supply"

// ErrNoBattery is returned when no battery supply exists.
var ErrNoBattery = errors.New("no battery power supply found")

// SysfsBattery reads the capacity of the first battery-type power supply.
type SysfsBattery struct {
	Root string
	// MainsPercent is reported when the unit has no battery at all.
	MainsPercent int
}

// NewSysfsBattery creates a battery provider rooted at root.
func NewSysfsBattery(root string) *SysfsBattery {
	if root == "" {
		root = DefaultPowerSupplyPath
	}
	return &SysfsBattery{Root: root, MainsPercent: 100}
}

// BatteryPercent implements BatteryProvider.
func (b *SysfsBattery) BatteryPercent(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(b.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return b.MainsPercent, nil
		}
		return 0, fmt.Errorf("failed to list power supplies: %w", err)
	}

	for _, e := range entries {
		dir := filepath.Join(b.Root, e.Name())
		kind, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			return 0, fmt.Errorf("failed to read capacity of %s: %w", e.Name(), err)
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return 0, fmt.Errorf("invalid capacity in %s: %w", e.Name(), err)
		}
		return pct, nil
	}
	return b.MainsPercent, nil
}

// commandRunner executes an external command and returns stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ModemSignal reads the signal quality percentage reported by ModemManager.
type ModemSignal struct {
	ModemIndex int
	run        commandRunner
}

// NewModemSignal creates a provider querying modem index via mmcli.
func NewModemSignal(modemIndex int) *ModemSignal {
	return &ModemSignal{ModemIndex: modemIndex, run: execRunner}
}

type mmcliModem struct {
	Modem struct {
		Generic struct {
			SignalQuality struct {
				Value string `json:"value"`
			} `json:"signal-quality"`
		} `json:"generic"`
	} `json:"modem"`
}

// SignalPercent implements SignalProvider.
func (m *ModemSignal) SignalPercent(ctx context.Context) (int, error) {
	out, err := m.run(ctx, "mmcli", "-m", strconv.Itoa(m.ModemIndex), "--output-json")
	if err != nil {
		return 0, fmt.Errorf("mmcli failed: %w", err)
	}
	var parsed mmcliModem
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, fmt.Errorf("failed to parse mmcli output: %w", err)
	}
	raw := parsed.Modem.Generic.SignalQuality.Value
	if raw == "" || raw == "--" {
		return 0, fmt.Errorf("modem %d reports no signal quality", m.ModemIndex)
	}
	pct, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid signal quality %q: %w", raw, err)
	}
	return pct, nil
}

// ClockSignal derives a pseudo signal percentage from the wall clock. Units
// without a modem API use it so the backend keeps receiving the same banded
// values it always has.
type ClockSignal struct {
	Now func() time.Time
}

// SignalPercent implements SignalProvider.
func (c ClockSignal) SignalPercent(ctx context.Context) (int, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t := now()
	return (t.Minute()*60 + t.Second()) % 100, nil
}

// StaticBattery always reports the same charge. Used in dry-run mode.
type StaticBattery int

// BatteryPercent implements BatteryProvider.
func (s StaticBattery) BatteryPercent(ctx context.Context) (int, error) {
	return int(s), nil
}
