package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"filedrop/channel"
	"filedrop/node"
	"filedrop/transfer"
)

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "send one or more files to a listening peer",
	ArgsUsage: "ADDR FILE [FILE...]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 2 {
			return errors.New("usage: filedrop send ADDR FILE [FILE...]")
		}
		addr := cctx.Args().First()
		paths := cctx.Args().Tail()

		env, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer env.close()

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

		peerID, err := tcp.Dial(ctx, addr)
		if err != nil {
			return err
		}

		options := env.managerOptions()
		options.Adapter = tcp
		options.Events = transfer.Events{
			OnSendProgress: func(transferID string, fraction float64) {
				logrus.WithFields(logrus.Fields{
					"transfer_id": transferID,
					"progress":    fmt.Sprintf("%.0f%%", fraction*100),
				}).Debug("Sending")
			},
		}
		manager, err := node.NewManager(options)
		if err != nil {
			return err
		}
		defer manager.Close()

		if err := manager.AttachAddress(peerID, addr); err != nil {
			return err
		}

		outgoing := make([]*node.Outgoing, 0, len(paths))
		for _, path := range paths {
			out, err := manager.SendFile(ctx, peerID, path)
			if err != nil {
				return fmt.Errorf("send %s: %w", path, err)
			}
			outgoing = append(outgoing, out)
		}

		var failed int
		for _, out := range outgoing {
			if err := out.Wait(ctx); err != nil {
				failed++
				fmt.Printf("FAILED  %s  %s: %v\n", out.TransferID, out.FileName, err)
				continue
			}
			fmt.Printf("SENT    %s  %s  %d chunks  blake2b-256:%s\n", out.TransferID, out.FileName, out.TotalChunks, out.Digest)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d transfers failed", failed, len(outgoing))
		}
		return nil
	},
}
