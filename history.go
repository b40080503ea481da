package main

import (
	"io"
	"os"
	"time"

	"github.com/filecoin-project/lotus/lib/tablewriter"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"filedrop/models"
	"filedrop/node"
	"filedrop/storage"
)

var historyCmd = &cli.Command{
	Name:  "history",
	Usage: "list recorded transfers, newest first",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "direction",
			Usage: "only list transfers in this direction (send or receive)",
		},
		&cli.StringFlag{
			Name:  "peer",
			Usage: "only list transfers with this peer id",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print JSON instead of a table",
		},
	},
	Action: func(cctx *cli.Context) error {
		env, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer env.close()

		var rows []storage.Transfer
		if peer := cctx.String("peer"); peer != "" {
			rows, err = env.store.ListTransfersByPeer(peer)
		} else {
			rows, err = env.store.ListTransfers(cctx.String("direction"))
		}
		if err != nil {
			return err
		}
		transfers := node.TransferModels(rows)

		if cctx.Bool("json") {
			return writeJSON(os.Stdout, transfers)
		}
		return writeTransferTable(os.Stdout, transfers)
	},
}

var peersCmd = &cli.Command{
	Name:  "peers",
	Usage: "list peers seen so far",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print JSON instead of a table",
		},
	},
	Action: func(cctx *cli.Context) error {
		env, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer env.close()

		rows, err := env.store.ListPeers()
		if err != nil {
			return err
		}
		peers := node.PeerModels(rows)

		if cctx.Bool("json") {
			return writeJSON(os.Stdout, peers)
		}
		return writePeerTable(os.Stdout, peers)
	},
}

func writeJSON(w io.Writer, v any) error {
	encoder := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func writeTransferTable(out io.Writer, transfers []models.Transfer) error {
	tw := tablewriter.New(
		tablewriter.Col("Transfer"),
		tablewriter.Col("Dir"),
		tablewriter.Col("Peer"),
		tablewriter.Col("File"),
		tablewriter.Col("Size"),
		tablewriter.Col("Chunks"),
		tablewriter.Col("Status"),
		tablewriter.Col("Started"),
		tablewriter.Col("Detail"),
	)
	for _, t := range transfers {
		detail := t.Digest
		if t.Error != "" {
			detail = t.Error
		}
		tw.Write(map[string]interface{}{
			"Transfer": t.TransferID,
			"Dir":      t.Direction,
			"Peer":     t.PeerID,
			"File":     t.FileName,
			"Size":     t.FileSize,
			"Chunks":   t.TotalChunks,
			"Status":   t.Status,
			"Started":  formatMillis(t.StartedAt),
			"Detail":   detail,
		})
	}
	return tw.Flush(out)
}

func writePeerTable(out io.Writer, peers []models.Peer) error {
	tw := tablewriter.New(
		tablewriter.Col("Peer"),
		tablewriter.Col("Address"),
		tablewriter.Col("FirstSeen"),
		tablewriter.Col("LastSeen"),
	)
	for _, p := range peers {
		tw.Write(map[string]interface{}{
			"Peer":      p.PeerID,
			"Address":   p.Address,
			"FirstSeen": formatMillis(p.FirstSeen),
			"LastSeen":  formatMillis(p.LastSeen),
		})
	}
	return tw.Flush(out)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}
