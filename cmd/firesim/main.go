package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cmx-Y/firesim/passes"
)

// log init
func init() {
	logDir := "./logs"
	os.MkdirAll(logDir, 0o755)

	fileLogger := &lumberjack.Logger{
		Filename:   logDir + "/firesim.log",
		MaxSize:    100, // MB
		MaxBackups: 7,
		MaxAge:     30, // Days
		Compress:   true,
	}

	multiWriter := io.MultiWriter(os.Stdout, fileLogger)
	log.SetOutput(multiWriter)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(log.InfoLevel)
}

func main() {
	var (
		configPath string
		useMock    bool
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Info("received signal, shutting down")
		cancel()
	}()

	withPipeline := func(run func(ctx context.Context, p *passes.Pipeline) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			p, err := compile(ctx, cfg, useMock)
			if err != nil {
				return err
			}
			defer p.Close()
			return run(ctx, p)
		}
	}

	root := &cobra.Command{
		Use:           "firesim",
		Short:         "compile simulated-datacenter topologies and orchestrate their run farm",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config_runtime.toml", "runtime config file")
	root.PersistentFlags().BoolVar(&useMock, "use-mock", false, "use mock inventory binding and executor for test isolation")

	root.AddCommand(&cobra.Command{
		Use:   "compile",
		Short: "run the phase-one compilation passes and report the deployment plan",
		RunE: withPipeline(func(ctx context.Context, p *passes.Pipeline) error {
			for _, h := range p.Farm.AllHosts() {
				log.Infof("host %s: %d switches, %d machines (capacity %d)",
					h.Spec.Name, len(h.Switches), len(h.Machines), h.Spec.Capacity)
			}
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "infrasetup",
		Short: "bind the run farm, build artifacts and stage every host",
		RunE: withPipeline(func(ctx context.Context, p *passes.Pipeline) error {
			return p.InfrasetupPasses(ctx, useMock)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "boot",
		Short: "boot switches, then simulations, on every host",
		RunE: withPipeline(func(ctx context.Context, p *passes.Pipeline) error {
			return p.BootPasses(ctx, useMock, false)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "kill",
		Short: "tear down switches, then simulations, on every host",
		RunE: withPipeline(func(ctx context.Context, p *passes.Pipeline) error {
			return p.KillPasses(ctx, useMock, true)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "runworkload",
		Short: "boot the deployment and monitor it to completion",
		RunE: withPipeline(func(ctx context.Context, p *passes.Pipeline) error {
			return p.RunWorkloadPasses(ctx, useMock)
		}),
	})

	if err := root.Execute(); err != nil {
		log.Errorf("firesim: %v", err)
		os.Exit(1)
	}
}
