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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/vs49688/mailchat/account"
	"github.com/vs49688/mailchat/receiver"
	"github.com/vs49688/mailchat/smtp"
	"golang.org/x/time/rate"
)

func DefaultAccountConfig() AccountConfig {
	return AccountConfig{
		IMAP:                 DefaultIMAPConfig(),
		SMTP:                 DefaultSMTPConfig(),
		Folders:              []string{account.DefaultFolder},
		IDLEFallbackInterval: receiver.DefaultIDLEFallbackInterval,
		FetchMaxInterval:     receiver.DefaultFetchMaxInterval,
		BatchSize:            receiver.DefaultBatchSize,
		WindowSize:           receiver.DefaultWindowSize,
		DisableDeletions:     false,
		SendReceipts:         true,
		DedupHorizon:         30 * 24 * time.Hour,
		ConnectRate:          float64(account.DefaultConnectRate),
		ConnectBurst:         account.DefaultConnectBurst,
	}
}

func DefaultConfig() CliConfig {
	return CliConfig{
		Account:   DefaultAccountConfig(),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultDBPath is where an account's database lives when not configured.
func DefaultDBPath(addr string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "mailchat", addr+".db")
}

// LoggingParameters are the flags every command shares.
func (cfg *CliConfig) LoggingParameters() []cli.Flag {
	def := DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "logging level",
			EnvVars:     []string{"MAILCHAT_LOG_LEVEL"},
			Destination: &cfg.LogLevel,
			Value:       def.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "logging format (text/json)",
			EnvVars:     []string{"MAILCHAT_LOG_FORMAT"},
			Destination: &cfg.LogFormat,
			Value:       def.LogFormat,
		},
	}
}

// IdentityParameters select the account without any server settings.
func (cfg *CliConfig) IdentityParameters() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "account email address",
			EnvVars:     []string{"MAILCHAT_ADDR"},
			Destination: &cfg.Account.Addr,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "display name",
			EnvVars:     []string{"MAILCHAT_NAME"},
			Destination: &cfg.Account.Name,
		},
		&cli.StringFlag{
			Name:        "db",
			Usage:       "account database path",
			EnvVars:     []string{"MAILCHAT_DB"},
			Destination: &cfg.Account.DBPath,
		},
	}
}

func (cfg *CliConfig) Parameters() []cli.Flag {
	def := DefaultConfig()

	var flags []cli.Flag
	flags = append(flags, cfg.IdentityParameters()...)
	flags = append(flags, cfg.Account.IMAP.makeIMAPParameters("imap")...)
	flags = append(flags, cfg.Account.SMTP.makeSMTPParameters("smtp")...)
	flags = append(flags, cfg.LoggingParameters()...)
	flags = append(flags, []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "folder",
			Usage:   "folder to watch, may be repeated",
			EnvVars: []string{"MAILCHAT_FOLDERS"},
			Value:   cli.NewStringSlice(def.Account.Folders...),
		},
		&cli.DurationFlag{
			Name:        "idle-fallback-interval",
			Usage:       "fallback poll interval for servers that don't support IDLE",
			EnvVars:     []string{"MAILCHAT_IDLE_FALLBACK_INTERVAL"},
			Destination: &cfg.Account.IDLEFallbackInterval,
			Value:       def.Account.IDLEFallbackInterval,
		},
		&cli.DurationFlag{
			Name:        "fetch-max-interval",
			Usage:       "maximum interval between fetches. can abort IDLE",
			EnvVars:     []string{"MAILCHAT_FETCH_MAX_INTERVAL"},
			Destination: &cfg.Account.FetchMaxInterval,
			Value:       def.Account.FetchMaxInterval,
		},
		&cli.UintFlag{
			Name:        "batch-size",
			Usage:       "flag/deletion batch size",
			EnvVars:     []string{"MAILCHAT_BATCH_SIZE"},
			Destination: &cfg.Account.BatchSize,
			Value:       def.Account.BatchSize,
		},
		&cli.UintFlag{
			Name:        "window-size",
			Usage:       "maximum unacknowledged messages per folder",
			EnvVars:     []string{"MAILCHAT_WINDOW_SIZE"},
			Destination: &cfg.Account.WindowSize,
			Value:       def.Account.WindowSize,
		},
		&cli.BoolFlag{
			Name:        "disable-deletions",
			Usage:       "disable deletions. for debugging only",
			EnvVars:     []string{"MAILCHAT_DISABLE_DELETIONS"},
			Destination: &cfg.Account.DisableDeletions,
			Value:       def.Account.DisableDeletions,
			Hidden:      true,
		},
		&cli.BoolFlag{
			Name:        "send-receipts",
			Usage:       "answer read receipt requests",
			EnvVars:     []string{"MAILCHAT_SEND_RECEIPTS"},
			Destination: &cfg.Account.SendReceipts,
			Value:       def.Account.SendReceipts,
		},
		&cli.DurationFlag{
			Name:        "dedup-horizon",
			Usage:       "how long seen message ids are remembered",
			EnvVars:     []string{"MAILCHAT_DEDUP_HORIZON"},
			Destination: &cfg.Account.DedupHorizon,
			Value:       def.Account.DedupHorizon,
		},
		&cli.Float64Flag{
			Name:        "connect-rate",
			Usage:       "server operations per second, shared by imap and smtp",
			EnvVars:     []string{"MAILCHAT_CONNECT_RATE"},
			Destination: &cfg.Account.ConnectRate,
			Value:       def.Account.ConnectRate,
		},
	}...)

	return flags
}

// ApplyFolders copies the repeated --folder flag, which has no Destination.
func (cfg *CliConfig) ApplyFolders(ctx *cli.Context) {
	if f := ctx.StringSlice("folder"); len(f) > 0 {
		cfg.Account.Folders = f
	}
}

func (cfg *CliConfig) ConfigureLogging(logger *log.Logger) {
	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err == nil {
		logger.SetLevel(logLevel)
	}

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
}

// Identity returns an account config without server settings, for offline
// commands.
func (cfg *AccountConfig) Identity(logger *log.Entry) (*account.Config, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("an account address is required")
	}

	out := &account.Config{
		DBPath:       cfg.DBPath,
		Addr:         cfg.Addr,
		Name:         cfg.Name,
		DedupHorizon: cfg.DedupHorizon,
		Logger:       logger,
	}

	if out.DBPath == "" {
		out.DBPath = DefaultDBPath(cfg.Addr)
	}

	if err := os.MkdirAll(filepath.Dir(out.DBPath), 0o700); err != nil {
		return nil, err
	}

	return out, nil
}

// Resolve builds the full account config: IMAP watcher, SMTP transport and
// a limiter both share.
func (cfg *AccountConfig) Resolve(logger *log.Entry) (*account.Config, error) {
	def := DefaultAccountConfig()

	out, err := cfg.Identity(logger)
	if err != nil {
		return nil, err
	}

	connConfig, factory, err := cfg.IMAP.Resolve()
	if err != nil {
		return nil, err
	}

	smtpConfig, err := cfg.SMTP.Resolve(&cfg.IMAP.Auth)
	if err != nil {
		return nil, err
	}

	if cfg.ConnectRate <= 0 {
		cfg.ConnectRate = def.ConnectRate
	}
	if cfg.ConnectBurst <= 0 {
		cfg.ConnectBurst = def.ConnectBurst
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst)

	smtpConfig.Limiter = limiter
	smtpConfig.Logger = logger

	out.IMAP = connConfig
	out.IMAPFactory = factory
	out.Transport = smtp.NewSender(smtpConfig)
	out.Limiter = limiter

	out.Folders = cfg.Folders
	if len(out.Folders) == 0 {
		out.Folders = def.Folders
	}

	out.IDLEFallbackInterval = cfg.IDLEFallbackInterval
	if out.IDLEFallbackInterval == 0 {
		out.IDLEFallbackInterval = def.IDLEFallbackInterval
	}

	out.FetchMaxInterval = cfg.FetchMaxInterval
	if out.FetchMaxInterval == 0 {
		out.FetchMaxInterval = def.FetchMaxInterval
	}

	out.BatchSize = cfg.BatchSize
	if out.BatchSize == 0 {
		out.BatchSize = def.BatchSize
	}

	out.WindowSize = cfg.WindowSize
	if out.WindowSize == 0 {
		out.WindowSize = def.WindowSize
	}

	out.DisableDeletions = cfg.DisableDeletions
	out.SendReceipts = cfg.SendReceipts

	return out, nil
}
