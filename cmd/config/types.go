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
	"errors"
	"time"

	"golang.org/x/oauth2"
)

var (
	errInvalidScheme = errors.New("invalid uri scheme")
)

// AuthConfig is how a server login gets its secret. Exactly one of
// Password, PasswordFile, SystemdCredential or Keyring is used, in that
// order.
type AuthConfig struct {
	Method            string       `json:"auth_method" mapstructure:"auth_method"`
	Username          string       `json:"username" mapstructure:"username"`
	Password          string       `json:"-" mapstructure:"password"`
	PasswordFile      string       `json:"password_file" mapstructure:"password_file"`
	SystemdCredential string       `json:"systemd_credential" mapstructure:"systemd_credential"`
	Keyring           bool         `json:"keyring" mapstructure:"keyring"`
	OAuth2            OAuth2Config `json:"oauth2" mapstructure:"oauth2"`
}

type IMAPConfig struct {
	URL           string     `json:"url" mapstructure:"url"`
	Auth          AuthConfig `json:"auth" mapstructure:",squash"`
	TLSSkipVerify bool       `json:"tls_skip_verify" mapstructure:"tls_skip_verify"`
	Transport     string     `json:"transport" mapstructure:"transport"`
	Debug         bool       `json:"debug" mapstructure:"debug"`
}

type SMTPConfig struct {
	URL           string        `json:"url" mapstructure:"url"`
	Auth          AuthConfig    `json:"auth" mapstructure:",squash"`
	TLSSkipVerify bool          `json:"tls_skip_verify" mapstructure:"tls_skip_verify"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
}

type OAuth2Config struct {
	Provider     string   `json:"provider" mapstructure:"provider"`
	ClientID     string   `json:"client_id" mapstructure:"client_id"`
	ClientSecret string   `json:"-" mapstructure:"client_secret"`
	AuthURL      string   `json:"auth_url" mapstructure:"auth_url"`
	TokenURL     string   `json:"token_url" mapstructure:"token_url"`
	Scopes       []string `json:"scopes" mapstructure:"scopes"`

	Config oauth2.Config `json:"-" mapstructure:"-"`
}

// AccountConfig is everything needed to run one chat identity.
type AccountConfig struct {
	Addr   string     `json:"addr" mapstructure:"addr"`
	Name   string     `json:"name" mapstructure:"name"`
	DBPath string     `json:"db_path" mapstructure:"db_path"`
	IMAP   IMAPConfig `json:"imap" mapstructure:"imap"`
	SMTP   SMTPConfig `json:"smtp" mapstructure:"smtp"`

	Folders              []string      `json:"folders" mapstructure:"folders"`
	IDLEFallbackInterval time.Duration `json:"idle_fallback_interval" mapstructure:"idle_fallback_interval"`
	FetchMaxInterval     time.Duration `json:"fetch_max_interval" mapstructure:"fetch_max_interval"`
	BatchSize            uint          `json:"batch_size" mapstructure:"batch_size"`
	WindowSize           uint          `json:"window_size" mapstructure:"window_size"`
	DisableDeletions     bool          `json:"disable_deletions" mapstructure:"disable_deletions"`
	SendReceipts         bool          `json:"send_receipts" mapstructure:"send_receipts"`
	DedupHorizon         time.Duration `json:"dedup_horizon" mapstructure:"dedup_horizon"`
	ConnectRate          float64       `json:"connect_rate" mapstructure:"connect_rate"`
	ConnectBurst         int           `json:"connect_burst" mapstructure:"connect_burst"`
}

type CliConfig struct {
	Account   AccountConfig `json:"account"`
	LogLevel  string        `json:"log_level"`
	LogFormat string        `json:"log_format"`
}
