package control

import (
	"fmt"
	"strconv"

	"github.com/blockcache/bcached/errs"
	"github.com/google/uuid"
)

// Op is one command-style attribute (spec §6): a name invoked with a
// whitespace-split argument list, returning a single-line result.
type Op struct {
	Name string
	Run  func(args []string) (string, error)
}

// StandardOps returns the eight command-style attributes spec §6 names,
// wired against engine. trigger_gc is a narrow stub per §1's explicit
// tiering-scheduler Non-goal: it reports NotFound rather than silently
// succeeding, so a caller can tell "not implemented" apart from "ran and
// did nothing".
func StandardOps(engine Engine) []*Op {
	return []*Op{
		{Name: "attach", Run: func(args []string) (string, error) {
			if len(args) != 2 {
				return "", fmt.Errorf("control: usage: attach <cached-device-path> <set-uuid>")
			}
			id, err := uuid.Parse(args[1])
			if err != nil {
				return "", fmt.Errorf("control: attach: %w", err)
			}
			if err := engine.Attach(args[0], id); err != nil {
				return "", err
			}
			return "ok", nil
		}},
		{Name: "detach", Run: func(args []string) (string, error) {
			if len(args) != 1 {
				return "", fmt.Errorf("control: usage: detach <cached-device-path>")
			}
			if err := engine.Detach(args[0]); err != nil {
				return "", err
			}
			return "ok", nil
		}},
		{Name: "stop", Run: func(args []string) (string, error) {
			if err := engine.Stop(); err != nil {
				return "", err
			}
			return "ok", nil
		}},
		{Name: "unregister", Run: func(args []string) (string, error) {
			if len(args) != 1 {
				return "", fmt.Errorf("control: usage: unregister <device-path>")
			}
			if err := engine.Unregister(args[0]); err != nil {
				return "", err
			}
			return "ok", nil
		}},
		{Name: "add_device", Run: func(args []string) (string, error) {
			if len(args) != 2 {
				return "", fmt.Errorf("control: usage: add_device <device-path> <tier>")
			}
			tier, err := strconv.Atoi(args[1])
			if err != nil {
				return "", fmt.Errorf("control: add_device: bad tier %q: %w", args[1], err)
			}
			if err := engine.AddDevice(args[0], tier); err != nil {
				return "", err
			}
			return "ok", nil
		}},
		{Name: "trigger_gc", Run: func(args []string) (string, error) {
			if err := engine.TriggerGC(); err != nil {
				return "", err
			}
			return "ok", nil
		}},
		{Name: "prune_cache", Run: func(args []string) (string, error) {
			if len(args) != 1 {
				return "", fmt.Errorf("control: usage: prune_cache <target-percent>")
			}
			pct, err := strconv.Atoi(args[0])
			if err != nil {
				return "", fmt.Errorf("control: prune_cache: bad percent %q: %w", args[0], err)
			}
			if err := engine.PruneCache(pct); err != nil {
				return "", err
			}
			return "ok", nil
		}},
		{Name: "blockdev_volume_create", Run: func(args []string) (string, error) {
			if len(args) != 2 {
				return "", fmt.Errorf("control: usage: blockdev_volume_create <name> <size>")
			}
			size, err := parseSize(args[1])
			if err != nil {
				return "", err
			}
			id, err := engine.CreateVolume(args[0], size)
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}},
	}
}

// StubEngine is an Engine whose every method returns an explicit
// "not implemented" error; cmd/bcached's engine forwards its TriggerGC to
// it, leaving the tiering/GC scheduler as a stub.
type StubEngine struct{}

func (StubEngine) Attach(string, uuid.UUID) error { return notImplemented("attach") }
func (StubEngine) Detach(string) error            { return notImplemented("detach") }
func (StubEngine) Stop() error                    { return notImplemented("stop") }
func (StubEngine) Unregister(string) error        { return notImplemented("unregister") }
func (StubEngine) AddDevice(string, int) error    { return notImplemented("add_device") }
func (StubEngine) TriggerGC() error               { return notImplemented("trigger_gc") }
func (StubEngine) PruneCache(int) error           { return notImplemented("prune_cache") }
func (StubEngine) CreateVolume(string, int64) (uuid.UUID, error) {
	return uuid.UUID{}, notImplemented("blockdev_volume_create")
}

func notImplemented(op string) error {
	return errs.Wrap(errs.NotFound, "control."+op, fmt.Errorf("not implemented"))
}
