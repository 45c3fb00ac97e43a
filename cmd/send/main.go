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

package send

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/vs49688/mailchat/account"
	"github.com/vs49688/mailchat/cmd/config"
)

type options struct {
	config.CliConfig
	To     string
	ChatID int64
}

func RegisterCommand(app *cli.App) *cli.App {
	opts := &options{CliConfig: config.DefaultConfig()}

	flags := opts.IdentityParameters()
	flags = append(flags, opts.LoggingParameters()...)
	flags = append(flags, []cli.Flag{
		&cli.StringFlag{
			Name:        "to",
			Usage:       "recipient address; a 1:1 chat is created if needed",
			Destination: &opts.To,
		},
		&cli.Int64Flag{
			Name:        "chat",
			Usage:       "existing chat id",
			Destination: &opts.ChatID,
		},
	}...)

	app.Commands = append(app.Commands, &cli.Command{
		Name:      "send",
		Usage:     "Queue a text message",
		ArgsUsage: "<text>",
		Flags:     flags,
		Action:    func(context *cli.Context) error { return send(context, opts) },
	})
	return app
}

func send(ctx *cli.Context, opts *options) error {
	opts.ConfigureLogging(log.StandardLogger())

	text := strings.Join(ctx.Args().Slice(), " ")
	if text == "" {
		return fmt.Errorf("nothing to send")
	}

	if (opts.To == "") == (opts.ChatID == 0) {
		return fmt.Errorf("exactly one of --to or --chat is required")
	}

	accConfig, err := opts.Account.Identity(log.NewEntry(log.StandardLogger()))
	if err != nil {
		return err
	}

	acc, err := account.Open(ctx.Context, accConfig)
	if err != nil {
		return err
	}
	defer func() { _ = acc.Close() }()

	chatID := opts.ChatID
	if opts.To != "" {
		chat, err := acc.CreateChat(ctx.Context, opts.To, "")
		if err != nil {
			return err
		}
		chatID = chat.ID
	}

	msg, err := acc.EnqueueSend(ctx.Context, chatID, text)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"chat": chatID, "msg_id": msg.ID, "mid": msg.RFC724MID}).Info("message_queued")
	return nil
}
