/*
 * MailChat - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

package run_multi

import (
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/vs49688/mailchat/account"
	"github.com/vs49688/mailchat/cmd/run"
	"go.uber.org/multierr"
)

func RegisterCommand(app *cli.App) *cli.App {
	cfg := DefaultConfig()
	app.Commands = append(app.Commands, &cli.Command{
		Name:                   "run-multi",
		Usage:                  "Run several independent accounts from a config file",
		Flags:                  cfg.Parameters(),
		UseShortOptionHandling: true,
		Before: func(context *cli.Context) error {
			return cfg.Resolve()
		},
		Action: func(context *cli.Context) error {
			return runMulti(context, &cfg)
		},
	})
	return app
}

func closeAll(accounts []*account.Account) error {
	var err error
	for _, a := range accounts {
		err = multierr.Append(err, a.Close())
	}
	return err
}

func runMulti(ctx *cli.Context, cfg *Configuration) (err error) {
	logLevel, lerr := log.ParseLevel(cfg.LogLevel)
	if lerr == nil {
		cfg.Logger.SetLevel(logLevel)
	}

	if cfg.LogFormat == "json" {
		cfg.Logger.SetFormatter(&log.JSONFormatter{})
	}

	accounts := make([]*account.Account, 0, len(cfg.Resolved))
	defer func() {
		err = multierr.Append(err, closeAll(accounts))
	}()

	for _, name := range cfg.Names() {
		acc, err := account.Open(ctx.Context, cfg.Resolved[name])
		if err != nil {
			return err
		}
		accounts = append(accounts, acc)

		evch, unsub := acc.Subscribe(256)
		defer unsub()
		go run.LogEvents(cfg.Logger.WithField("source", name), evch)
	}

	for _, acc := range accounts {
		if err := acc.Start(); err != nil {
			return err
		}
	}

	cfg.Logger.WithField("count", len(accounts)).Info("accounts_started")
	return run.WaitForSignal(ctx.Context, cfg.Logger)
}
