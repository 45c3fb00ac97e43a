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

package qr

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
	"github.com/vs49688/mailchat/account"
	"github.com/vs49688/mailchat/cmd/config"
)

type options struct {
	config.CliConfig
	Group    int64
	PNGPath  string
	PNGSize  int
	Terminal bool
}

func RegisterCommand(app *cli.App) *cli.App {
	opts := &options{CliConfig: config.DefaultConfig()}

	flags := opts.IdentityParameters()
	flags = append(flags, opts.LoggingParameters()...)
	flags = append(flags, []cli.Flag{
		&cli.Int64Flag{
			Name:        "group",
			Usage:       "invite to this group chat instead of a 1:1 contact",
			Destination: &opts.Group,
		},
		&cli.StringFlag{
			Name:        "png",
			Usage:       "also write the code as a PNG image",
			Destination: &opts.PNGPath,
		},
		&cli.IntFlag{
			Name:        "png-size",
			Usage:       "PNG width and height in pixels",
			Destination: &opts.PNGSize,
			Value:       256,
		},
		&cli.BoolFlag{
			Name:        "terminal",
			Usage:       "draw the code in the terminal",
			Destination: &opts.Terminal,
			Value:       true,
		},
	}...)

	app.Commands = append(app.Commands, &cli.Command{
		Name:   "qr",
		Usage:  "Create a SecureJoin invite",
		Flags:  flags,
		Action: func(context *cli.Context) error { return generate(context, opts) },
	})
	return app
}

func generate(ctx *cli.Context, opts *options) error {
	opts.ConfigureLogging(log.StandardLogger())

	accConfig, err := opts.Account.Identity(log.NewEntry(log.StandardLogger()))
	if err != nil {
		return err
	}

	acc, err := account.Open(ctx.Context, accConfig)
	if err != nil {
		return err
	}
	defer func() { _ = acc.Close() }()

	code, session, err := acc.GenerateQRSession(ctx.Context, opts.Group)
	if err != nil {
		return err
	}

	text := code.String()
	log.WithFields(log.Fields{
		"session":    session.ID,
		"expires_at": session.ExpiresAt,
	}).Info("invite_created")

	if opts.Terminal {
		q, err := qrcode.New(text, qrcode.Medium)
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, q.ToSmallString(false))
	}

	if opts.PNGPath != "" {
		if err := qrcode.WriteFile(text, qrcode.Medium, opts.PNGSize, opts.PNGPath); err != nil {
			return err
		}
	}

	fmt.Fprintln(ctx.App.Writer, text)
	return nil
}
