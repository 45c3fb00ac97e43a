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
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"github.com/vs49688/mailchat/account"
	"github.com/vs49688/mailchat/cmd/config"
)

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

type Configuration struct {
	ConfigPath string `mapstructure:"-"`

	Accounts  map[string]*config.AccountConfig `mapstructure:"accounts"`
	LogLevel  string                           `mapstructure:"log_level"`
	LogFormat string                           `mapstructure:"log_format"`

	Resolved map[string]*account.Config `mapstructure:"-"`
	Logger   *log.Logger                `mapstructure:"-"`
}

func DefaultConfig() Configuration {
	return Configuration{
		ConfigPath: "config.yaml",
		LogLevel:   DefaultLogLevel,
		LogFormat:  DefaultLogFormat,
		Logger:     log.StandardLogger(),
	}
}

func (cfg *Configuration) Parameters() []cli.Flag {
	def := DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to configuration file (yaml, json or toml)",
			EnvVars:     []string{"MAILCHAT_CONFIG"},
			Value:       def.ConfigPath,
			Destination: &cfg.ConfigPath,
		},
	}
}

// accountDefaults registers per-account defaults under accounts.<name>.
func accountDefaults(v *viper.Viper, name string) {
	def := config.DefaultAccountConfig()
	prefix := "accounts." + name + "."

	v.SetDefault(prefix+"folders", def.Folders)
	v.SetDefault(prefix+"idle_fallback_interval", def.IDLEFallbackInterval)
	v.SetDefault(prefix+"fetch_max_interval", def.FetchMaxInterval)
	v.SetDefault(prefix+"batch_size", def.BatchSize)
	v.SetDefault(prefix+"window_size", def.WindowSize)
	v.SetDefault(prefix+"send_receipts", def.SendReceipts)
	v.SetDefault(prefix+"dedup_horizon", def.DedupHorizon)
	v.SetDefault(prefix+"connect_rate", def.ConnectRate)
	v.SetDefault(prefix+"connect_burst", def.ConnectBurst)
	v.SetDefault(prefix+"imap.transport", def.IMAP.Transport)
	v.SetDefault(prefix+"imap.auth_method", def.IMAP.Auth.Method)
	v.SetDefault(prefix+"imap.oauth2.provider", def.IMAP.Auth.OAuth2.Provider)
	v.SetDefault(prefix+"smtp.timeout", def.SMTP.Timeout)
	v.SetDefault(prefix+"smtp.auth_method", def.SMTP.Auth.Method)
	v.SetDefault(prefix+"smtp.oauth2.provider", def.SMTP.Auth.OAuth2.Provider)
}

// Load reads the file. Environment variables override file values, e.g.
// MAILCHAT_ACCOUNTS_WORK_IMAP_PASSWORD for accounts.work.imap.password.
func (cfg *Configuration) Load() error {
	v := viper.New()
	v.SetConfigFile(cfg.ConfigPath)
	v.SetEnvPrefix("MAILCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", cfg.ConfigPath, err)
	}

	for name := range v.GetStringMap("accounts") {
		accountDefaults(v, name)
	}

	for _, key := range v.AllKeys() {
		// Bind secrets so they can be kept out of the file.
		if strings.HasSuffix(key, ".password") || strings.HasSuffix(key, ".client_secret") {
			_ = v.BindEnv(key)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", cfg.ConfigPath, err)
	}

	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts in %s", cfg.ConfigPath)
	}
	return nil
}

// Names returns the account names in a stable order.
func (cfg *Configuration) Names() []string {
	names := make([]string, 0, len(cfg.Accounts))
	for name := range cfg.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cfg *Configuration) Resolve() error {
	if err := cfg.Load(); err != nil {
		return err
	}

	cfg.Resolved = make(map[string]*account.Config, len(cfg.Accounts))
	for _, name := range cfg.Names() {
		rs, err := cfg.Accounts[name].Resolve(cfg.Logger.WithField("source", name))
		if err != nil {
			return fmt.Errorf("account %v: %w", name, err)
		}

		cfg.Resolved[name] = rs
	}

	return nil
}
