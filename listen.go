package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"filedrop/channel"
	"filedrop/node"
	"filedrop/transfer"
)

var listenCmd = &cli.Command{
	Name:  "listen",
	Usage: "accept peers and save the files they send",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "TCP address to listen on (defaults to listen_address from the config)",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "directory for received files (defaults to download_dir from the config)",
		},
	},
	Action: func(cctx *cli.Context) error {
		env, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer env.close()

		addr := cctx.String("addr")
		if addr == "" {
			addr = env.cfg.ListenAddress
		}
		outDir := cctx.String("out")
		if outDir == "" {
			outDir = env.cfg.DownloadDir
		}
		if err := os.MkdirAll(outDir, 0o700); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tcp, err := channel.NewTCP(channel.TCPOptions{
			LocalID: env.cfg.DeviceID,
			Logger:  logrus.StandardLogger(),
		})
		if err != nil {
			return err
		}
		defer tcp.Close()
		if err := tcp.Listen(addr); err != nil {
			return err
		}

		options := env.managerOptions()
		options.Adapter = tcp
		options.Events = transfer.Events{
			OnReceiveProgress: func(transferID string, fraction float64) {
				logrus.WithFields(logrus.Fields{
					"transfer_id": transferID,
					"progress":    fmt.Sprintf("%.0f%%", fraction*100),
				}).Debug("Receiving")
			},
			OnFileAssembled: func(file transfer.AssembledFile) {
				saveAssembled(outDir, file)
			},
			OnTransferFailed: func(transferID string, err error) {
				logrus.WithError(err).WithField("transfer_id", transferID).Error("Receive failed")
			},
		}
		manager, err := node.NewManager(options)
		if err != nil {
			return err
		}
		defer manager.Close()

		fmt.Printf("Device ID:       %s\n", env.cfg.DeviceID)
		fmt.Printf("Listening On:    %s\n", tcp.Addr())
		fmt.Printf("Saving To:       %s\n", outDir)
		fmt.Println("Status:          running (press Ctrl+C to stop)")

		acceptPeers(ctx, tcp, manager)

		fmt.Println("Status:          shutting down")
		return nil
	},
}

func acceptPeers(ctx context.Context, tcp *channel.TCP, manager *node.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case peerID := <-tcp.Incoming():
			if err := manager.Attach(peerID); err != nil {
				logrus.WithError(err).WithField("peer_id", peerID).Warn("Attach failed")
				_ = tcp.Disconnect(peerID)
			}
		}
	}
}

// saveAssembled writes file under dir, prefixed with its transfer id so
// repeated names never collide.
func saveAssembled(dir string, file transfer.AssembledFile) {
	path := filepath.Join(dir, prefixedFilename(file.TransferID, file.FileName))
	log := logrus.WithFields(logrus.Fields{
		"transfer_id": file.TransferID,
		"path":        path,
	})
	if err := os.WriteFile(path, file.Data, 0o600); err != nil {
		log.WithError(err).Error("Write received file failed")
		return
	}
	log.WithFields(logrus.Fields{
		"bytes":   len(file.Data),
		"digest":  file.Digest,
		"elapsed": file.Elapsed,
	}).Info("File received")
}

func prefixedFilename(transferID, filename string) string {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	return transferID + "_" + base
}
