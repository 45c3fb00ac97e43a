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
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/urfave/cli/v2"
)

const (
	AuthNormal = "NORMAL"
	AuthLogin  = "LOGIN"
)

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Method: "normal",
		OAuth2: DefaultOAuth2Config(),
	}
}

// method returns the upper-cased auth method, mapping LOGIN to NORMAL.
func (cfg *AuthConfig) method() (string, error) {
	m := strings.ToUpper(cfg.Method)
	switch m {
	case AuthNormal, AuthLogin, "":
		return AuthNormal, nil
	case sasl.Plain, sasl.OAuthBearer:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported auth method: %v", cfg.Method)
	}
}

func (cfg *AuthConfig) parameters(lowerPrefix string, required bool) []cli.Flag {
	def := DefaultAuthConfig()
	upperPrefix := strings.ToUpper(lowerPrefix)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-auth-method", lowerPrefix),
			Usage:       fmt.Sprintf("%v auth method (normal, PLAIN, OAUTHBEARER)", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_AUTH_METHOD", upperPrefix)},
			Destination: &cfg.Method,
			Value:       def.Method,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-username", lowerPrefix),
			Usage:       fmt.Sprintf("%v username", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_USERNAME", upperPrefix)},
			Destination: &cfg.Username,
			Required:    required,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-password", lowerPrefix),
			Usage:       fmt.Sprintf("%v password, or refresh token for OAUTHBEARER", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_PASSWORD", upperPrefix)},
			Destination: &cfg.Password,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-password-file", lowerPrefix),
			Usage:       fmt.Sprintf("%v password file", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_PASSWORD_FILE", upperPrefix)},
			Destination: &cfg.PasswordFile,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-systemd-credential", lowerPrefix),
			Usage:       fmt.Sprintf("%v password systemd credential name", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_SYSTEMD_CREDENTIAL", upperPrefix)},
			Destination: &cfg.SystemdCredential,
		},
		&cli.BoolFlag{
			Name:        fmt.Sprintf("%v-keyring", lowerPrefix),
			Usage:       fmt.Sprintf("read the %v secret from the system keyring", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILCHAT_%v_KEYRING", upperPrefix)},
			Destination: &cfg.Keyring,
		},
	}

	return append(flags, cfg.OAuth2.Parameters(lowerPrefix)...)
}
