// Command treasuryctl is the operator CLI of the treasury.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/config"
	"github.com/0xb10c/treasury-go/src/daemon"
	"github.com/0xb10c/treasury-go/src/logging"
	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/treasury"
	"github.com/0xb10c/treasury-go/src/types"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "treasuryctl",
		Usage: "operate the BSV treasury wallet",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "configfile",
				Aliases: []string{"C"},
				Usage:   "ini configuration file shared with treasuryd",
			},
			&cli.StringFlag{
				Name:  "envfile",
				Value: ".env",
				Usage: "dotenv file loaded before the configuration",
			},
			&cli.StringSliceFlag{
				Name:  "set",
				Usage: "extra treasuryd option, e.g. --set=--network=testnet",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "create-wallet",
				Usage:  "create the treasury wallet, or import one with --wif",
				Action: withServices(createWallet),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "wif", Usage: "import this key instead of generating one"},
				},
			},
			{
				Name:   "balance",
				Usage:  "print the treasury balance",
				Action: withServices(balance),
			},
			{
				Name:   "history",
				Usage:  "list transactions, newest first",
				Action: withServices(history),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "only withdrawals of this user"},
					&cli.StringFlag{Name: "direction", Usage: "incoming or outgoing"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
			},
			{
				Name:   "withdraw",
				Usage:  "pay out a withdrawal",
				Action: withServices(withdraw),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringFlag{Name: "to", Usage: "destination address", Required: true},
					&cli.StringFlag{Name: "amount", Usage: "amount in BSV", Required: true},
					&cli.StringFlag{Name: "idempotency-key", Usage: "retrying with the same key pays at most once"},
				},
			},
			{
				Name:   "cooldown",
				Usage:  "print how long a user has to wait before the next withdrawal",
				Action: withServices(cooldown),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
				},
			},
			{
				Name:   "sync",
				Usage:  "run one synchronizer cycle",
				Action: withServices(syncOnce),
			},
			{
				Name:   "reconcile",
				Usage:  "run one spent-status pass",
				Action: withServices(reconcileOnce),
			},
			{
				Name:   "resolve-pending",
				Usage:  "settle a withdrawal whose broadcast outcome is unknown",
				Action: withServices(resolvePending),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "txid", Required: true},
					&cli.BoolFlag{Name: "release", Usage: "mark failed and release the inputs if the chain does not know the transaction"},
				},
			},
		},
	}
}

type action func(c *cli.Context, s *daemon.Services) error

// withServices loads the configuration and opens the services for the
// duration of one command.
func withServices(fn action) cli.ActionFunc {
	return func(c *cli.Context) error {
		args := []string{"--envfile", c.String("envfile")}
		if f := c.String("configfile"); f != "" {
			args = append(args, "--configfile", f)
		}
		args = append(args, c.StringSlice("set")...)

		cfg, err := config.Load(args)
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.LogLevel, cfg.LogJSON)
		if err != nil {
			return err
		}
		log.SetOutput(c.App.ErrWriter)
		if cfg.LogLevel == "info" {
			log.SetLevel(logrus.WarnLevel)
		}

		s, err := daemon.Open(cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(c, s)
	}
}

func out(c *cli.Context) io.Writer {
	return c.App.Writer
}

func createWallet(c *cli.Context, s *daemon.Services) error {
	var (
		w   *types.Wallet
		err error
	)
	if wif := c.String("wif"); wif != "" {
		w, err = s.Engine.ImportWallet(c.Context, wif)
	} else {
		w, err = s.Engine.CreateWallet(c.Context)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out(c), "address:   %s\nencrypted: %t\n", w.Address, w.Encrypted)
	return nil
}

func balance(c *cli.Context, s *daemon.Services) error {
	b, err := s.Engine.Balance(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(c), "%s BSV (%d satoshis), updated %s\n",
		types.FormatBSV(b.TotalSatoshis), b.TotalSatoshis, b.LastUpdated.Format(time.RFC3339))
	return nil
}

func history(c *cli.Context, s *daemon.Services) error {
	q := storage.TransactionQuery{
		Direction: types.Direction(c.String("direction")),
		UserID:    c.String("user"),
		Max:       c.Int("limit"),
	}
	switch q.Direction {
	case "", types.Incoming, types.Outgoing:
	default:
		return errors.Errorf("unknown direction %q", q.Direction)
	}

	recs, err := s.Engine.History(c.Context, q)
	if err != nil {
		return err
	}
	for _, r := range recs {
		user := "-"
		if r.UserID != nil {
			user = *r.UserID
		}
		fmt.Fprintf(out(c), "%s  %-8s  %-9s  %14s BSV  %s  %s\n",
			r.Date.Format(time.RFC3339), r.Direction, r.Status, types.FormatBSV(r.Satoshis), user, r.TxID)
	}
	return nil
}

func withdraw(c *cli.Context, s *daemon.Services) error {
	satoshis, err := types.ParseBSV(c.String("amount"))
	if err != nil {
		return err
	}
	res, err := s.Engine.Withdraw(c.Context, treasury.WithdrawalRequest{
		UserID:         c.String("user"),
		Destination:    c.String("to"),
		Satoshis:       satoshis,
		IdempotencyKey: c.String("idempotency-key"),
	})
	var unknown *chain.BroadcastUnknownError
	if errors.As(err, &unknown) {
		fmt.Fprintf(out(c), "broadcast outcome unknown for %s, the inputs stay reserved\n", unknown.TxID)
		fmt.Fprintf(out(c), "check the chain and run: treasuryctl resolve-pending --txid %s [--release]\n", unknown.TxID)
		return err
	}
	if err != nil {
		return err
	}

	if res.Replayed {
		fmt.Fprintf(out(c), "already paid with this idempotency key\n")
	}
	fmt.Fprintf(out(c), "txid:   %s\nstatus: %s\namount: %s BSV\nfee:    %d satoshis\n",
		res.Record.TxID, res.Record.Status, types.FormatBSV(res.Record.Satoshis), res.Record.FeeSatoshis)
	if res.Record.IdempotencyKey != nil {
		fmt.Fprintf(out(c), "key:    %s\n", *res.Record.IdempotencyKey)
	}
	return nil
}

func cooldown(c *cli.Context, s *daemon.Services) error {
	remaining, w, err := s.Engine.Cooldown(c.Context, c.String("user"))
	if err != nil {
		return err
	}
	fmt.Fprintf(out(c), "withdrawn in the last 24h: %s BSV\n", types.FormatBSV(w.TotalSatoshis))
	if remaining == 0 {
		fmt.Fprintln(out(c), "no cooldown")
		return nil
	}
	fmt.Fprintf(out(c), "cooldown: %s (%d ms)\n", remaining.Round(time.Second), remaining.Milliseconds())
	return nil
}

func syncOnce(c *cli.Context, s *daemon.Services) error {
	res, err := s.Syncer.Run(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(c), "inserted %d outputs, %d records, marked %d spent\n", res.Inserted, res.Records, res.MarkedSpent)
	if res.Balance != nil {
		fmt.Fprintf(out(c), "balance: %s BSV\n", types.FormatBSV(res.Balance.TotalSatoshis))
	}
	return nil
}

func reconcileOnce(c *cli.Context, s *daemon.Services) error {
	res, err := s.Reconciler.Run(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(c), "checked %d outputs, marked %d spent\n", res.Checked, res.MarkedSpent)
	return nil
}

func resolvePending(c *cli.Context, s *daemon.Services) error {
	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()
	rec, err := s.Engine.ResolvePending(ctx, c.String("txid"), c.Bool("release"))
	if err != nil {
		return err
	}
	fmt.Fprintf(out(c), "%s is %s\n", rec.TxID, rec.Status)
	return nil
}
