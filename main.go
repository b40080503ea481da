package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"filedrop/config"
	"filedrop/node"
	"filedrop/storage"
)

var (
	flagDataDir = &cli.StringFlag{
		Name:    "data-dir",
		Usage:   "directory holding config.toml and the transfer ledger",
		EnvVars: []string{config.DataDirEnv},
	}
	flagVerbose = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "enable debug logging",
	}
)

// runtimeEnv is the state shared by every command.
type runtimeEnv struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	store   *storage.Store
}

func before(cctx *cli.Context) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cctx.Bool(flagVerbose.Name) {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:                 "filedrop",
		Usage:                "send files to peers in chunks over TCP",
		EnableBashCompletion: true,
		Before:               before,
		Flags: []cli.Flag{
			flagDataDir,
			flagVerbose,
		},
		Commands: []*cli.Command{
			listenCmd,
			sendCmd,
			historyCmd,
			peersCmd,
			infoCmd,
		},
	}
	app.Setup()

	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// openEnv loads the config and opens the ledger. The caller closes the store.
func openEnv(cctx *cli.Context) (*runtimeEnv, error) {
	cfg, cfgPath, err := config.LoadOrCreate(cctx.String(flagDataDir.Name))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if !cctx.Bool(flagVerbose.Name) {
		level, err := cfg.Level()
		if err != nil {
			return nil, err
		}
		logrus.SetLevel(level)
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"config":   cfgPath,
		"database": dbPath,
	}).Debug("Environment ready")

	return &runtimeEnv{cfg: cfg, cfgPath: cfgPath, dataDir: dataDir, store: store}, nil
}

func (e *runtimeEnv) close() {
	if err := e.store.Close(); err != nil {
		logrus.WithError(err).Warn("Ledger close failed")
	}
}

func (e *runtimeEnv) managerOptions() node.ManagerOptions {
	return node.ManagerOptions{
		Store:            e.store,
		ChunkSize:        e.cfg.ChunkSize,
		ConcurrencyLimit: e.cfg.ConcurrencyLimit,
		MaxFileSize:      e.cfg.MaxFileSize,
		Reassembly:       e.cfg.Reassembly,
		WorkerQueueSize:  e.cfg.WorkerQueueSize,
		Logger:           logrus.StandardLogger(),
	}
}

var infoCmd = &cli.Command{
	Name:  "info",
	Usage: "print the local device settings",
	Action: func(cctx *cli.Context) error {
		env, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer env.close()

		fmt.Printf("Device ID:       %s\n", env.cfg.DeviceID)
		fmt.Printf("Device Name:     %s\n", env.cfg.DeviceName)
		fmt.Printf("Listen Address:  %s\n", env.cfg.ListenAddress)
		fmt.Printf("Download Dir:    %s\n", env.cfg.DownloadDir)
		fmt.Printf("Chunk Size:      %d\n", env.cfg.ChunkSize)
		fmt.Printf("Concurrency:     %d\n", env.cfg.ConcurrencyLimit)
		fmt.Printf("Reassembly:      %s\n", env.cfg.Reassembly)
		fmt.Printf("Config File:     %s\n", env.cfgPath)
		fmt.Printf("Data Directory:  %s\n", env.dataDir)
		return nil
	},
}
