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

package join

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/vs49688/mailchat/account"
	"github.com/vs49688/mailchat/cmd/config"
)

func RegisterCommand(app *cli.App) *cli.App {
	cfg := config.DefaultConfig()

	flags := cfg.IdentityParameters()
	flags = append(flags, cfg.LoggingParameters()...)

	app.Commands = append(app.Commands, &cli.Command{
		Name:      "join",
		Usage:     "Queue a SecureJoin from scanned invite text",
		ArgsUsage: "<OPENPGP4FPR:...>",
		Flags:     flags,
		Action:    func(context *cli.Context) error { return join(context, &cfg) },
	})
	return app
}

func join(ctx *cli.Context, cfg *config.CliConfig) error {
	cfg.ConfigureLogging(log.StandardLogger())

	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one invite")
	}

	accConfig, err := cfg.Account.Identity(log.NewEntry(log.StandardLogger()))
	if err != nil {
		return err
	}

	acc, err := account.Open(ctx.Context, accConfig)
	if err != nil {
		return err
	}
	defer func() { _ = acc.Close() }()

	session, err := acc.StartQRJoin(ctx.Context, ctx.Args().First())
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"session": session.ID,
		"peer":    session.Addr,
		"group":   session.GroupName,
		"state":   session.State,
	}).Info("join_queued")

	fmt.Fprintf(ctx.App.Writer, "join %v with %v queued; it completes the next time the account runs\n", session.ID, session.Addr)
	return nil
}
