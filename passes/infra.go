package passes

import (
	"context"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/dispatch"
	"github.com/cmx-Y/firesim/hwdb"
	"github.com/cmx-Y/firesim/runfarm"
	"github.com/cmx-Y/firesim/topology"
)

// localDriverBuilder is the default driver build capability: it only decides
// the artifact path, standing in for the real toolchain invocation.
func localDriverBuilder(cfg *hwdb.RuntimeHWConfig) (string, error) {
	return filepath.Join("deploy", "drivers", cfg.ResolveDeployTriplet(), "driver"), nil
}

func localSwitchBuilder(sw *topology.Switch) (string, error) {
	return filepath.Join("deploy", "switches", sw.Name(), "switch"), nil
}

// bindFarm resolves host liveness/IPs once per run. Later phases reuse the
// existing binding instead of querying the provider again, which has been
// observed to hand back inconsistent addresses.
func (p *Pipeline) bindFarm(ctx context.Context, useMock bool) error {
	if p.Farm.Bound() {
		return nil
	}
	mode := runfarm.BindReal
	if useMock {
		mode = runfarm.BindMock
	}
	if err := p.Farm.Bind(ctx, mode); err != nil {
		return err
	}
	p.managers = make(map[string]*dispatch.DeployManager)
	for _, h := range p.Farm.AllHosts() {
		p.managers[h.IP] = dispatch.NewDeployManager(h, p.dispatcher.Executor())
	}
	return nil
}

func (p *Pipeline) manager(ip string) (*dispatch.DeployManager, error) {
	m, ok := p.managers[ip]
	if !ok {
		return nil, fmt.Errorf("no deploy manager for host %s", ip)
	}
	return m, nil
}

// passBuildDrivers builds the accelerator driver for every machine's
// resolved config. Builds are cached per config, so repeated invocations in
// one process do no extra work.
func (p *Pipeline) passBuildDrivers() error {
	if err := p.require(StageBuildDrivers, StageResolveHWConfigs); err != nil {
		return err
	}
	for _, m := range p.Graph.DFSMachines() {
		cfg, err := m.ResolvedHWConfig()
		if err != nil {
			return err
		}
		if _, err := cfg.BuildDriver(p.driverBuilder); err != nil {
			return err
		}
	}
	return nil
}

// passBuildSwitchBinaries builds each switch's simulation binary, cached per
// switch for the run.
func (p *Pipeline) passBuildSwitchBinaries() error {
	if err := p.require(StageBuildSwitches); err != nil {
		return err
	}
	for _, sw := range p.Graph.DFSSwitches() {
		if _, err := sw.BuildBinary(p.switchBuilder); err != nil {
			return err
		}
	}
	return nil
}

// InfrasetupPasses binds the farm, builds all required artifacts and stages
// every host in parallel. The liveness gate runs first so a partially
// unreachable fleet fails before any host is touched.
func (p *Pipeline) InfrasetupPasses(ctx context.Context, useMock bool) error {
	if err := p.bindFarm(ctx, useMock); err != nil {
		return err
	}
	if err := p.passBuildDrivers(); err != nil {
		return err
	}
	if err := p.passBuildSwitchBinaries(); err != nil {
		return err
	}

	ips := p.Farm.BoundIPs()
	if err := p.dispatcher.Liveness(ctx, ips); err != nil {
		return err
	}
	_, err := dispatch.RunOnHosts(ctx, p.dispatcher, "infrasetup", ips,
		func(ctx context.Context, ip string) (struct{}, error) {
			m, err := p.manager(ip)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, m.Infrasetup(ctx)
		})
	return err
}

// BootPasses boots the deployment: switches on every host first, then the
// simulations that depend on them. skipBinding avoids a second provider
// query when the caller (the workload runner) already bound the farm.
func (p *Pipeline) BootPasses(ctx context.Context, useMock, skipBinding bool) error {
	if !skipBinding {
		if err := p.bindFarm(ctx, useMock); err != nil {
			return err
		}
	}
	ips := p.Farm.BoundIPs()
	if err := p.dispatcher.Liveness(ctx, ips); err != nil {
		return err
	}

	if _, err := dispatch.RunOnHosts(ctx, p.dispatcher, "start-switches", ips,
		func(ctx context.Context, ip string) (struct{}, error) {
			m, err := p.manager(ip)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, m.StartSwitches(ctx)
		}); err != nil {
		return err
	}
	_, err := dispatch.RunOnHosts(ctx, p.dispatcher, "start-sims", ips,
		func(ctx context.Context, ip string) (struct{}, error) {
			m, err := p.manager(ip)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, m.StartSimulations(ctx)
		})
	return err
}

// KillPasses tears the deployment down, switches first then simulations,
// mirroring boot order so dependents stop before their dependencies. Kills
// are idempotent; reissuing against already-dead hosts is harmless.
// releaseBlockDevices is false when results still need to be copied off.
func (p *Pipeline) KillPasses(ctx context.Context, useMock, releaseBlockDevices bool) error {
	if err := p.bindFarm(ctx, useMock); err != nil {
		return err
	}
	ips := p.Farm.BoundIPs()
	if err := p.dispatcher.Liveness(ctx, ips); err != nil {
		return err
	}

	if _, err := dispatch.RunOnHosts(ctx, p.dispatcher, "kill-switches", ips,
		func(ctx context.Context, ip string) (struct{}, error) {
			m, err := p.manager(ip)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, m.KillSwitches(ctx)
		}); err != nil {
		return err
	}
	if _, err := dispatch.RunOnHosts(ctx, p.dispatcher, "kill-sims", ips,
		func(ctx context.Context, ip string) (struct{}, error) {
			m, err := p.manager(ip)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, m.KillSimulations(ctx, releaseBlockDevices)
		}); err != nil {
		return err
	}

	log.Info("confirming exit on all hosts")
	_, err := dispatch.RunOnHosts(ctx, p.dispatcher, "confirm-exit", ips,
		func(ctx context.Context, ip string) (struct{}, error) {
			m, err := p.manager(ip)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, m.ConfirmExit(ctx)
		})
	return err
}
