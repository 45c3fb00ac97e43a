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
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

var oauthProviders = map[string]oauth2.Config{
	"google": {
		Endpoint: endpoints.Google,
		Scopes:   []string{"https://mail.google.com/"},
	},
	"microsoft": {
		Endpoint: endpoints.AzureAD("common"),
		Scopes: []string{
			"https://outlook.office.com/IMAP.AccessAsUser.All",
			"https://outlook.office.com/SMTP.Send",
			"offline_access",
		},
	},
}

func DefaultOAuth2Config() OAuth2Config {
	return OAuth2Config{
		Provider: "google",
	}
}

func (cfg *OAuth2Config) Parameters(lowerPrefix string) []cli.Flag {
	def := DefaultOAuth2Config()

	name := func(s string) string {
		if lowerPrefix == "" {
			return s
		}
		return lowerPrefix + "-" + s
	}

	env := func(s string) []string {
		v := strings.ToUpper(strings.ReplaceAll(name(s), "-", "_"))
		return []string{"MAILCHAT_" + v}
	}

	return []cli.Flag{
		&cli.StringFlag{
			Name:        name("oauth2-provider"),
			Usage:       "oauth2 provider (google, microsoft, custom)",
			EnvVars:     env("oauth2-provider"),
			Destination: &cfg.Provider,
			Value:       def.Provider,
		},
		&cli.StringFlag{
			Name:        name("oauth2-client-id"),
			Usage:       "oauth2 client id",
			EnvVars:     env("oauth2-client-id"),
			Destination: &cfg.ClientID,
		},
		&cli.StringFlag{
			Name:        name("oauth2-client-secret"),
			Usage:       "oauth2 client secret",
			EnvVars:     env("oauth2-client-secret"),
			Destination: &cfg.ClientSecret,
		},
		&cli.StringFlag{
			Name:        name("oauth2-auth-url"),
			Usage:       "oauth2 authorization url, for the custom provider",
			EnvVars:     env("oauth2-auth-url"),
			Destination: &cfg.AuthURL,
		},
		&cli.StringFlag{
			Name:        name("oauth2-token-url"),
			Usage:       "oauth2 token url, for the custom provider",
			EnvVars:     env("oauth2-token-url"),
			Destination: &cfg.TokenURL,
		},
	}
}

// Resolve fills Config from the provider defaults and overrides.
func (cfg *OAuth2Config) Resolve() error {
	provider := strings.ToLower(cfg.Provider)

	if provider == "custom" {
		if cfg.AuthURL == "" || cfg.TokenURL == "" {
			return fmt.Errorf("custom oauth2 provider needs an auth and token url")
		}
		cfg.Config = oauth2.Config{
			Endpoint: oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
		}
	} else if p, ok := oauthProviders[provider]; ok {
		cfg.Config = p
	} else {
		return fmt.Errorf("unknown oauth2 provider: %v", cfg.Provider)
	}

	if cfg.ClientID == "" {
		return fmt.Errorf("oauth2 client id is required")
	}

	cfg.Config.ClientID = cfg.ClientID
	cfg.Config.ClientSecret = cfg.ClientSecret
	if len(cfg.Scopes) > 0 {
		cfg.Config.Scopes = cfg.Scopes
	}
	return nil
}

// TokenSource returns a token source for the refresh token of username.
// Keyring-held tokens are written back when the provider rotates them.
func (cfg *AuthConfig) TokenSource(prefix string) (oauth2.TokenSource, error) {
	if err := cfg.OAuth2.Resolve(); err != nil {
		return nil, err
	}

	if cfg.Password == "" && cfg.PasswordFile == "" && cfg.SystemdCredential == "" && cfg.Keyring {
		if cfg.Username == "" {
			return nil, fmt.Errorf("\"%v-username\" is required when using %v auth", prefix, cfg.Method)
		}

		creds, err := OpenCredentials()
		if err != nil {
			return nil, err
		}
		return creds.TokenSource(&cfg.OAuth2.Config, cfg.Username)
	}

	refresh, err := cfg.secret(prefix)
	if err != nil {
		return nil, err
	}

	return cfg.OAuth2.Config.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refresh}), nil
}
