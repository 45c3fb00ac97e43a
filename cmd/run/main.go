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

package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/vs49688/mailchat/account"
	"github.com/vs49688/mailchat/cmd/config"
	"github.com/vs49688/mailchat/events"
)

func RegisterCommand(app *cli.App) *cli.App {
	cfg := config.DefaultConfig()
	app.Commands = append(app.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Run a single account",
		Flags:  cfg.Parameters(),
		Action: func(context *cli.Context) error { return run(context, &cfg) },
	})
	return app
}

// LogEvents writes account events to the log until ch is closed.
func LogEvents(logger *log.Entry, ch <-chan events.Event) {
	for ev := range ch {
		entry := logger.WithFields(log.Fields{
			"event":   ev.Type,
			"chat":    ev.ChatID,
			"msg_id":  ev.MsgID,
			"contact": ev.ContactID,
			"session": ev.SessionID,
		})

		if ev.Folder != "" {
			entry = entry.WithField("folder", ev.Folder)
		}
		if ev.Detail != "" {
			entry = entry.WithField("detail", ev.Detail)
		}

		switch ev.Type {
		case events.Error, events.MessageFailed, events.SecureJoinFailed:
			entry.WithError(ev.Err).Warn("account_event")
		default:
			entry.Info("account_event")
		}
	}
}

func run(ctx *cli.Context, cfg *config.CliConfig) error {
	cfg.ConfigureLogging(log.StandardLogger())
	cfg.ApplyFolders(ctx)

	log.WithFields(log.Fields{
		"addr":                   cfg.Account.Addr,
		"db":                     cfg.Account.DBPath,
		"imap_url":               cfg.Account.IMAP.URL,
		"imap_auth_method":       cfg.Account.IMAP.Auth.Method,
		"imap_username":          cfg.Account.IMAP.Auth.Username,
		"imap_tls_skip_verify":   cfg.Account.IMAP.TLSSkipVerify,
		"imap_transport":         cfg.Account.IMAP.Transport,
		"smtp_url":               cfg.Account.SMTP.URL,
		"folders":                cfg.Account.Folders,
		"log_level":              cfg.LogLevel,
		"log_format":             cfg.LogFormat,
		"idle_fallback_interval": cfg.Account.IDLEFallbackInterval,
		"batch_size":             cfg.Account.BatchSize,
		"window_size":            cfg.Account.WindowSize,
	}).Info("starting")

	logger := log.NewEntry(log.StandardLogger())
	accConfig, err := cfg.Account.Resolve(logger)
	if err != nil {
		return err
	}

	acc, err := account.Open(ctx.Context, accConfig)
	if err != nil {
		return err
	}
	defer func() {
		if err := acc.Close(); err != nil {
			log.WithError(err).Error("account_close_failed")
		}
	}()

	evch, unsub := acc.Subscribe(256)
	go LogEvents(logger, evch)
	defer unsub()

	if err := acc.Start(); err != nil {
		return err
	}

	return WaitForSignal(ctx.Context, log.StandardLogger())
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx ends. A second signal
// exits immediately.
func WaitForSignal(ctx context.Context, logger *log.Logger) error {
	sigchan := make(chan os.Signal, 10)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigchan:
		logger.WithFields(log.Fields{"signal": sig}).Info("received_interrupt")

		// A second signal while shutting down forces the exit.
		go func() {
			sig := <-sigchan
			logger.WithFields(log.Fields{"signal": sig}).Warn("received_interrupt_force_exit")
			os.Exit(1)
		}()
	case <-ctx.Done():
	}
	return nil
}
