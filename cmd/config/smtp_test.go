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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vs49688/mailchat/smtp"
)

func TestSMTPConfig_Resolve(t *testing.T) {
	imapAuth := getTestIMAPConfig().Auth

	t.Run("smtps", func(t *testing.T) {
		cfg := DefaultSMTPConfig()
		cfg.URL = "smtps://smtp.hostname.com"

		out, err := cfg.Resolve(&imapAuth)
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		assert.Equal(t, "smtp.hostname.com:465", out.HostPort)
		assert.Equal(t, smtp.SecurityTLS, out.Security)
		assert.Equal(t, smtp.DefaultTimeout, out.Timeout)
		assert.NotNil(t, out.Auth)

		c, err := out.Auth()
		if assert.NoError(t, err) {
			mech, ir, err := c.Start()
			assert.NoError(t, err)
			assert.Equal(t, "PLAIN", mech)
			assert.Equal(t, []byte("\x00username\x00password"), ir)
		}
	})

	t.Run("starttls", func(t *testing.T) {
		cfg := DefaultSMTPConfig()
		cfg.URL = "smtp://smtp.hostname.com:2525"

		out, err := cfg.Resolve(&imapAuth)
		assert.NoError(t, err)
		assert.Equal(t, "smtp.hostname.com:2525", out.HostPort)
		assert.Equal(t, smtp.SecurityStartTLS, out.Security)
	})

	t.Run("own_credentials", func(t *testing.T) {
		cfg := DefaultSMTPConfig()
		cfg.URL = "smtp+insecure://localhost"
		cfg.Auth.Username = "other"
		cfg.Auth.Password = "secret"

		out, err := cfg.Resolve(&imapAuth)
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		assert.Equal(t, smtp.SecurityNone, out.Security)

		c, err := out.Auth()
		if assert.NoError(t, err) {
			_, ir, err := c.Start()
			assert.NoError(t, err)
			assert.Equal(t, []byte("\x00other\x00secret"), ir)
		}
	})

	t.Run("no_auth", func(t *testing.T) {
		cfg := DefaultSMTPConfig()
		cfg.URL = "smtp://localhost"

		out, err := cfg.Resolve(nil)
		assert.NoError(t, err)
		assert.Nil(t, out.Auth)
	})

	t.Run("bad_scheme", func(t *testing.T) {
		cfg := DefaultSMTPConfig()
		cfg.URL = "imaps://localhost"

		_, err := cfg.Resolve(&imapAuth)
		assert.Equal(t, errInvalidScheme, err)
	})
}

func TestOAuth2Config_Resolve(t *testing.T) {
	cfg := DefaultOAuth2Config()
	assert.Error(t, cfg.Resolve())

	cfg.ClientID = "client"
	if assert.NoError(t, cfg.Resolve()) {
		assert.Equal(t, "client", cfg.Config.ClientID)
		assert.Equal(t, []string{"https://mail.google.com/"}, cfg.Config.Scopes)
	}

	cfg.Provider = "custom"
	assert.Error(t, cfg.Resolve())

	cfg.AuthURL = "https://auth.example.org/authorize"
	cfg.TokenURL = "https://auth.example.org/token"
	if assert.NoError(t, cfg.Resolve()) {
		assert.Equal(t, "https://auth.example.org/token", cfg.Config.Endpoint.TokenURL)
	}

	cfg.Provider = "nope"
	assert.Error(t, cfg.Resolve())
}
