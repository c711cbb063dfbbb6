package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/hwdb"
	"github.com/cmx-Y/firesim/passes"
	"github.com/cmx-Y/firesim/remote"
	"github.com/cmx-Y/firesim/runfarm"
	"github.com/cmx-Y/firesim/topology"
	"github.com/cmx-Y/firesim/workload"
)

type TargetConfig struct {
	Topology              string `toml:"topology"`
	NoNetNumNodes         int    `toml:"no_net_num_nodes"`
	DefaultHWConfig       string `toml:"default_hw_config"`
	LinkLatency           int    `toml:"link_latency"`
	SwitchingLatency      int    `toml:"switching_latency"`
	NetBandwidth          int    `toml:"net_bandwidth"`
	ProfileInterval       int    `toml:"profile_interval"`
	TraceEnable           bool   `toml:"trace_enable"`
	TraceSelect           string `toml:"trace_select"`
	TraceStart            string `toml:"trace_start"`
	TraceEnd              string `toml:"trace_end"`
	TraceOutputFormat     string `toml:"trace_output_format"`
	AutocounterReadRate   int    `toml:"autocounter_read_rate"`
	ZeroOutDRAM           bool   `toml:"zero_out_dram"`
	DisableAsserts        bool   `toml:"disable_asserts"`
	PrintStart            string `toml:"print_start"`
	PrintEnd              string `toml:"print_end"`
	PrintCyclePrefix      bool   `toml:"print_cycle_prefix"`
	TerminateOnCompletion bool   `toml:"terminate_on_completion"`
}

type RunFarmConfig struct {
	Provider string             `toml:"provider"`
	Hosts    []runfarm.HostSpec `toml:"host"`
	Etcd     struct {
		Endpoints   []string `toml:"endpoints"`
		DialTimeout int      `toml:"dial_timeout_seconds"`
	} `toml:"etcd"`
}

type MonitorConfig struct {
	TickSeconds int    `toml:"tick_seconds"`
	DiagramDir  string `toml:"diagram_dir"`
}

type Config struct {
	Target   TargetConfig  `toml:"target"`
	RunFarm  RunFarmConfig `toml:"runfarm"`
	HWDBPath string        `toml:"hwdb_path"`
	Workload string        `toml:"workload_path"`
	Monitor  MonitorConfig `toml:"monitor"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load runtime config %s: %w", path, err)
	}
	if cfg.Target.Topology == "" {
		return nil, fmt.Errorf("runtime config %s: target.topology is required", path)
	}
	if cfg.Monitor.TickSeconds == 0 {
		cfg.Monitor.TickSeconds = 10
	}
	return &cfg, nil
}

func buildInventory(ctx context.Context, cfg *Config) (*runfarm.Inventory, error) {
	switch cfg.RunFarm.Provider {
	case "", "static":
		return runfarm.NewInventory(ctx, &runfarm.StaticProvider{Specs: cfg.RunFarm.Hosts})
	case "etcd":
		ecfg := runfarm.DefaultEtcdConfig()
		if len(cfg.RunFarm.Etcd.Endpoints) > 0 {
			ecfg.Endpoints = cfg.RunFarm.Etcd.Endpoints
		}
		if cfg.RunFarm.Etcd.DialTimeout > 0 {
			ecfg.DialTimeout = time.Duration(cfg.RunFarm.Etcd.DialTimeout) * time.Second
		}
		provider, err := runfarm.NewEtcdProvider(ecfg)
		if err != nil {
			return nil, err
		}
		return runfarm.NewInventory(ctx, provider)
	default:
		return nil, fmt.Errorf("unknown run farm provider %q", cfg.RunFarm.Provider)
	}
}

// mockHostScript answers monitor queries with an all-complete status for the
// run's actual jobs, so runs under --use-mock terminate cleanly without real
// hosts.
func mockHostScript(jobs []string) func(host, command string) (remote.Output, error) {
	sims := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		sims[j] = true
	}
	payload, _ := json.Marshal(map[string]any{"switches": map[string]bool{}, "sims": sims})
	return func(host, command string) (remote.Output, error) {
		if strings.HasPrefix(command, "fsim-node monitor") {
			return remote.Output{Stdout: string(payload)}, nil
		}
		return remote.Output{}, nil
	}
}

// compile builds the topology and runs the full phase-one pipeline.
func compile(ctx context.Context, cfg *Config, useMock bool) (*passes.Pipeline, error) {
	graph, err := topology.Build(cfg.Target.Topology, topology.BuildParams{NoNetNodes: cfg.Target.NoNetNumNodes})
	if err != nil {
		return nil, err
	}

	inv, err := buildInventory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var db *hwdb.DB
	if cfg.HWDBPath != "" {
		db, err = hwdb.LoadTOML(cfg.HWDBPath)
		if err != nil {
			return nil, err
		}
	} else {
		db = hwdb.NewDB(&hwdb.RuntimeHWConfig{Name: cfg.Target.DefaultHWConfig})
	}

	var w *workload.Workload
	if cfg.Workload != "" {
		w, err = workload.Load(cfg.Workload)
		if err != nil {
			return nil, err
		}
	} else {
		w = workload.NewUniform("linux-uniform", len(graph.DFSMachines()), "")
	}

	var exec remote.Executor
	if useMock {
		jobs := make([]string, len(graph.DFSMachines()))
		for i := range jobs {
			jobs[i] = w.Job(i).Name
		}
		mock := remote.NewMockExecutor()
		mock.Script = mockHostScript(jobs)
		exec = mock
	} else {
		exec = remote.NewSmuxExecutor()
	}

	defaults := passes.Defaults{
		HWConfig:            cfg.Target.DefaultHWConfig,
		LinkLatency:         cfg.Target.LinkLatency,
		SwitchingLatency:    cfg.Target.SwitchingLatency,
		Bandwidth:           cfg.Target.NetBandwidth,
		ProfileInterval:     cfg.Target.ProfileInterval,
		TraceEnable:         cfg.Target.TraceEnable,
		TraceSelect:         cfg.Target.TraceSelect,
		TraceStart:          cfg.Target.TraceStart,
		TraceEnd:            cfg.Target.TraceEnd,
		TraceOutputFormat:   cfg.Target.TraceOutputFormat,
		AutocounterReadRate: cfg.Target.AutocounterReadRate,
		ZeroOutDRAM:         cfg.Target.ZeroOutDRAM,
		DisableAsserts:      cfg.Target.DisableAsserts,
		PrintStart:          cfg.Target.PrintStart,
		PrintEnd:            cfg.Target.PrintEnd,
		PrintCyclePrefix:    cfg.Target.PrintCyclePrefix,
	}

	p, err := passes.NewPipeline(graph, inv, db, w, defaults, exec,
		passes.WithTick(time.Duration(cfg.Monitor.TickSeconds)*time.Second),
		passes.WithDiagramDir(cfg.Monitor.DiagramDir),
		passes.WithTerminateOnCompletion(cfg.Target.TerminateOnCompletion),
	)
	if err != nil {
		return nil, err
	}
	log.Infof("compiled topology %s: %d switches, %d machines on %d hosts",
		cfg.Target.Topology, len(graph.DFSSwitches()), len(graph.DFSMachines()), len(inv.AllHosts()))
	return p, nil
}
