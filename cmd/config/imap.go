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
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/urfave/cli/v2"

	"github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/imap/client"
	"github.com/vs49688/mailchat/imap/persistentclient"
)

func DefaultIMAPConfig() IMAPConfig {
	return IMAPConfig{
		Auth:          DefaultAuthConfig(),
		TLSSkipVerify: false,
		Transport:     "persistent",
		Debug:         false,
	}
}

func (cfg *IMAPConfig) makeIMAPParameters(lowerPrefix string) []cli.Flag {
	def := DefaultIMAPConfig()
	upperPrefix := strings.ToUpper(lowerPrefix)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-url", lowerPrefix),
			Usage:       fmt.Sprintf("%v url (imaps://host[:port], imap://host[:port])", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_URL", upperPrefix)},
			Destination: &cfg.URL,
			Required:    true,
			Value:       def.URL,
		},
		&cli.BoolFlag{
			Name:        fmt.Sprintf("%v-tls-skip-verify", lowerPrefix),
			Usage:       fmt.Sprintf("skip %v tls verification", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_TLS_SKIP_VERIFY", upperPrefix)},
			Destination: &cfg.TLSSkipVerify,
			Value:       def.TLSSkipVerify,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-transport", lowerPrefix),
			Usage:       fmt.Sprintf("%v imap transport (persistent, standard)", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_TRANSPORT", upperPrefix)},
			Destination: &cfg.Transport,
			Value:       def.Transport,
		},
		&cli.BoolFlag{
			Name:        fmt.Sprintf("%v-debug", lowerPrefix),
			Usage:       fmt.Sprintf("display %v debug info", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_DEBUG", upperPrefix)},
			Destination: &cfg.Debug,
			Value:       def.Debug,
		},
	}

	return append(flags, cfg.Auth.parameters(lowerPrefix, true)...)
}

func extractUrl(u *url.URL) (string, string, bool, error) {
	var defaultPort string
	var useTLS bool
	switch strings.ToLower(u.Scheme) {
	case "imap":
		defaultPort = "143"
		useTLS = false
	case "imaps":
		defaultPort = "993"
		useTLS = true
	default:
		return "", "", false, errInvalidScheme
	}

	host := u.Hostname()
	port := u.Port()

	if port == "" {
		port = defaultPort
	}

	return net.JoinHostPort(host, port), strings.TrimPrefix(u.Path, "/"), useTLS, nil
}

func (cfg *IMAPConfig) authenticator(prefix string) (imap.Authenticator, error) {
	method, err := cfg.Auth.method()
	if err != nil {
		return nil, err
	}

	switch method {
	case AuthNormal:
		pass, err := cfg.Auth.secret(prefix)
		if err != nil {
			return nil, err
		}
		return imap.NewNormalAuthenticator(cfg.Auth.Username, pass), nil
	case sasl.Plain:
		pass, err := cfg.Auth.secret(prefix)
		if err != nil {
			return nil, err
		}
		return imap.NewSASLAuthenticator(sasl.NewPlainClient("", cfg.Auth.Username, pass)), nil
	default:
		ts, err := cfg.Auth.TokenSource(prefix)
		if err != nil {
			return nil, err
		}
		return imap.NewOAuthBearerAuthenticator(cfg.Auth.Username, ts), nil
	}
}

// Resolve builds the connection settings. The mailbox in the URL path is
// kept but the account decides which folders are watched.
func (cfg *IMAPConfig) Resolve() (imap.ConnectionConfig, imap.Factory, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return imap.ConnectionConfig{}, nil, err
	}

	hostPort, mailbox, wantTLS, err := extractUrl(u)
	if err != nil {
		return imap.ConnectionConfig{}, nil, err
	}

	auth, err := cfg.authenticator("imap")
	if err != nil {
		return imap.ConnectionConfig{}, nil, err
	}

	connConfig := imap.ConnectionConfig{
		HostPort: hostPort,
		Auth:     auth,
		Mailbox:  mailbox,
		TLS:      wantTLS,
		Debug:    cfg.Debug,
	}

	if cfg.TLSSkipVerify {
		// #nosec G402
		connConfig.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var factory imap.Factory
	if cfg.Transport != "persistent" {
		factory = &client.Factory{}
	} else {
		factory = &persistentclient.Factory{MaxDelay: 0}
	}

	return connConfig, factory, nil
}
