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
	"github.com/vs49688/mailchat/smtp"
)

func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Auth:    DefaultAuthConfig(),
		Timeout: smtp.DefaultTimeout,
	}
}

func (cfg *SMTPConfig) makeSMTPParameters(lowerPrefix string) []cli.Flag {
	def := DefaultSMTPConfig()
	upperPrefix := strings.ToUpper(lowerPrefix)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-url", lowerPrefix),
			Usage:       fmt.Sprintf("%v url (smtps://host[:port], smtp://host[:port] for STARTTLS)", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_URL", upperPrefix)},
			Destination: &cfg.URL,
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        fmt.Sprintf("%v-tls-skip-verify", lowerPrefix),
			Usage:       fmt.Sprintf("skip %v tls verification", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_TLS_SKIP_VERIFY", upperPrefix)},
			Destination: &cfg.TLSSkipVerify,
		},
		&cli.DurationFlag{
			Name:        fmt.Sprintf("%v-timeout", lowerPrefix),
			Usage:       fmt.Sprintf("%v submission timeout", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_TIMEOUT", upperPrefix)},
			Destination: &cfg.Timeout,
			Value:       def.Timeout,
		},
	}

	// The SMTP login usually matches the IMAP one, so it is optional.
	return append(flags, cfg.Auth.parameters(lowerPrefix, false)...)
}

func extractSMTPUrl(u *url.URL) (string, smtp.Security, error) {
	var defaultPort string
	var security smtp.Security
	switch strings.ToLower(u.Scheme) {
	case "smtps":
		defaultPort = "465"
		security = smtp.SecurityTLS
	case "smtp":
		defaultPort = "587"
		security = smtp.SecurityStartTLS
	case "smtp+insecure":
		defaultPort = "25"
		security = smtp.SecurityNone
	default:
		return "", 0, errInvalidScheme
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	return net.JoinHostPort(u.Hostname(), port), security, nil
}

// Resolve builds the submission settings. Credentials missing from cfg are
// taken from fallback, normally the IMAP login.
func (cfg *SMTPConfig) Resolve(fallback *AuthConfig) (*smtp.Config, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	hostPort, security, err := extractSMTPUrl(u)
	if err != nil {
		return nil, err
	}

	auth := cfg.Auth
	if auth.Username == "" && fallback != nil {
		auth = *fallback
	}

	out := &smtp.Config{
		HostPort: hostPort,
		Security: security,
		Timeout:  cfg.Timeout,
	}

	if cfg.TLSSkipVerify {
		// #nosec G402
		out.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if out.Timeout == 0 {
		out.Timeout = smtp.DefaultTimeout
	}

	if auth.Username == "" {
		return out, nil
	}

	method, err := auth.method()
	if err != nil {
		return nil, err
	}

	if method == sasl.OAuthBearer {
		ts, err := auth.TokenSource("smtp")
		if err != nil {
			return nil, err
		}
		out.Auth = smtp.OAuthBearerAuth(auth.Username, ts)
	} else {
		pass, err := auth.secret("smtp")
		if err != nil {
			return nil, err
		}
		out.Auth = smtp.PlainAuth(auth.Username, pass)
	}

	return out, nil
}

