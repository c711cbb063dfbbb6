package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/remote"
	"github.com/cmx-Y/firesim/runfarm"
)

// HostStatus is one host's answer to a monitor query: per-switch process
// exit flags and per-simulation job completion flags.
type HostStatus struct {
	Switches map[string]bool `json:"switches"`
	Sims     map[string]bool `json:"sims"`
}

// DeployManager drives one bound host slot through setup, boot, monitoring
// and kill. Every operation travels over the injected executor; the manager
// never assumes how commands reach the host.
type DeployManager struct {
	Slot *runfarm.HostSlot
	exec remote.Executor
}

func NewDeployManager(slot *runfarm.HostSlot, exec remote.Executor) *DeployManager {
	return &DeployManager{Slot: slot, exec: exec}
}

func (m *DeployManager) run(ctx context.Context, command string) (remote.Output, error) {
	out, err := m.exec.Run(ctx, m.Slot.IP, command)
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 {
		return out, fmt.Errorf("command %q on %s exited %d: %s", command, m.Slot.IP, out.ExitCode, out.Stderr)
	}
	return out, nil
}

func (m *DeployManager) switchNames() []string {
	names := make([]string, 0, len(m.Slot.Switches))
	for _, s := range m.Slot.Switches {
		names = append(names, s.Name())
	}
	return names
}

func (m *DeployManager) simNames() []string {
	names := make([]string, 0, len(m.Slot.Machines))
	for _, mach := range m.Slot.Machines {
		if mach.Job != nil {
			names = append(names, mach.Job.Name)
		} else {
			names = append(names, mach.Name())
		}
	}
	return names
}

// Infrasetup stages simulation directories, drivers and switch binaries on
// the host.
func (m *DeployManager) Infrasetup(ctx context.Context) error {
	cmd := fmt.Sprintf("fsim-node infrasetup --switches=%s --sims=%s",
		strings.Join(m.switchNames(), ","), strings.Join(m.simNames(), ","))
	_, err := m.run(ctx, cmd)
	if err == nil {
		log.Infof("infrasetup done on %s (%s)", m.Slot.Spec.Name, m.Slot.IP)
	}
	return err
}

// StartSwitches boots every switch process mapped to this host. Switches
// must be listening before any simulation that depends on them boots.
func (m *DeployManager) StartSwitches(ctx context.Context) error {
	if len(m.Slot.Switches) == 0 {
		return nil
	}
	_, err := m.run(ctx, fmt.Sprintf("fsim-node start-switches --names=%s", strings.Join(m.switchNames(), ",")))
	return err
}

// StartSimulations boots every simulation mapped to this host.
func (m *DeployManager) StartSimulations(ctx context.Context) error {
	if len(m.Slot.Machines) == 0 {
		return nil
	}
	_, err := m.run(ctx, fmt.Sprintf("fsim-node start-sims --names=%s", strings.Join(m.simNames(), ",")))
	return err
}

// KillSwitches stops switch processes. Idempotent: killing an already-dead
// switch is not an error on the host side.
func (m *DeployManager) KillSwitches(ctx context.Context) error {
	if len(m.Slot.Switches) == 0 {
		return nil
	}
	_, err := m.run(ctx, fmt.Sprintf("fsim-node kill-switches --names=%s", strings.Join(m.switchNames(), ",")))
	return err
}

// KillSimulations stops simulations. Block devices stay attached when
// releaseBlockDevices is false so result copy-off can still read them.
func (m *DeployManager) KillSimulations(ctx context.Context, releaseBlockDevices bool) error {
	if len(m.Slot.Machines) == 0 {
		return nil
	}
	var devices []string
	if releaseBlockDevices {
		for _, mach := range m.Slot.Machines {
			devices = append(devices, mach.BlockDevices...)
		}
	}
	cmd := fmt.Sprintf("fsim-node kill-sims --names=%s --release-block-devices=%s",
		strings.Join(m.simNames(), ","), strings.Join(devices, ","))
	_, err := m.run(ctx, cmd)
	return err
}

// ConfirmExit polls the host once for leftover switch or simulation
// processes after a kill.
func (m *DeployManager) ConfirmExit(ctx context.Context) error {
	out, err := m.run(ctx, "fsim-node confirm-exit")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out.Stdout) != "" && !strings.Contains(out.Stdout, "none") {
		log.Warnf("host %s still reports processes after kill: %s", m.Slot.IP, strings.TrimSpace(out.Stdout))
	}
	return nil
}

// MonitorJobs asks the host for its per-switch and per-simulation completion
// state. completedJobs is the local view of globally finished jobs, which
// lets the host decide whether it should self-terminate; teardown tells the
// host this is the final query and it may finish result extraction.
func (m *DeployManager) MonitorJobs(ctx context.Context, completedJobs []string, teardown, terminateOnCompletion bool) (HostStatus, error) {
	cmd := fmt.Sprintf("fsim-node monitor --teardown=%t --terminate-on-completion=%t --completed=%s",
		teardown, terminateOnCompletion, strings.Join(completedJobs, ","))
	out, err := m.run(ctx, cmd)
	if err != nil {
		return HostStatus{}, err
	}
	var status HostStatus
	if err := json.Unmarshal([]byte(out.Stdout), &status); err != nil {
		return HostStatus{}, fmt.Errorf("parsing monitor status from %s: %w", m.Slot.IP, err)
	}
	if status.Switches == nil {
		status.Switches = make(map[string]bool)
	}
	if status.Sims == nil {
		status.Sims = make(map[string]bool)
	}
	return status, nil
}
