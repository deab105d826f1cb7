package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustgate/internal/agents"
	"trustgate/internal/logging"
)

const version = "1.0.0"

type options struct {
	server    string
	dataDir   string
	hostname  string
	queueSize int
	once      bool
	debug     bool
	tamper    bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:           "trustgate-agent",
		Short:         "Reports device heartbeats to a trustgate server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := root.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:9080", "trustgate server URL")
	f.StringVar(&opts.hostname, "hostname", "", "override hostname")
	f.IntVar(&opts.queueSize, "queue-size", agents.DefaultQueueSize, "maximum queued heartbeats")
	f.BoolVar(&opts.once, "once", false, "run a single cycle and exit")
	f.BoolVar(&opts.debug, "debug", false, "verbose logging")
	f.BoolVar(&opts.tamper, "fail-on-tamper", true, "refuse to start when the agent binary changed since the recorded baseline")

	root.AddCommand(&cobra.Command{
		Use:   "id",
		Short: "Print the device UUID derived for this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := agents.ExpandDataDir(opts.dataDir)
			if err != nil {
				return err
			}
			id, err := agents.DeviceUUID(dir)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	})
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", agents.DefaultDataDir, "directory for the credential state and queue")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "trustgate-agent:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	logger, err := logging.New(opts.debug, "")
	if err != nil {
		return errors.Wrap(err, "init logging")
	}
	defer logger.Sync()

	dir, err := agents.ExpandDataDir(opts.dataDir)
	if err != nil {
		return err
	}
	if err := checkIntegrity(dir, opts.tamper, logger); err != nil {
		return err
	}
	deviceUUID, err := agents.DeviceUUID(dir)
	if err != nil {
		return errors.Wrap(err, "derive device uuid")
	}

	hostname := opts.hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			return errors.Wrap(err, "hostname")
		}
	}

	client, err := agents.NewClient(opts.server, nil)
	if err != nil {
		return err
	}
	queue, err := agents.OpenQueue(filepath.Join(dir, agents.QueueFile), opts.queueSize, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	agent, err := agents.New(agents.Config{
		DataDir:    dir,
		DeviceUUID: deviceUUID,
		Hostname:   hostname,
		OSVersion:  osVersion(),
	}, client, queue, agents.NewProcSampler(), logger)
	if err != nil {
		return err
	}

	logger.Info("trustgate agent starting",
		zap.String("version", version),
		zap.String("server", client.BaseURL()),
		zap.String("device_uuid", deviceUUID),
		zap.String("hostname", hostname),
		zap.String("data_dir", dir))

	if opts.once {
		return agent.Step(ctx)
	}
	return agent.Run(ctx)
}

func checkIntegrity(dir string, failOnTamper bool, logger *zap.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locate agent binary")
	}
	res, err := agents.VerifyIntegrity(dir, []string{exe})
	switch {
	case errors.Is(err, agents.ErrTampered):
		logger.Error("integrity violation",
			zap.String("expected", res.Expected),
			zap.String("current", res.Current))
		if failOnTamper {
			return err
		}
		return nil
	case err != nil:
		return err
	case res.Initialized:
		logger.Warn("integrity baseline initialized", zap.String("digest", res.Current))
	default:
		logger.Info("integrity check passed")
	}
	return nil
}

func osVersion() string {
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		return runtime.GOOS + " " + strings.TrimSpace(string(data))
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}
