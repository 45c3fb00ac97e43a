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
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/vs49688/mailchat/credential"
)

// OpenCredentials opens the keyring used for "keyring" secrets.
var OpenCredentials = func() (*credential.Store, error) {
	dir := filepath.Join(os.Getenv("HOME"), ".config", "mailchat", "credentials")
	if d, err := os.UserConfigDir(); err == nil {
		dir = filepath.Join(d, "mailchat", "credentials")
	}
	return credential.Open(dir)
}

func readSecretFile(path string) (string, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// readSystemdCredential reads name from $CREDENTIALS_DIRECTORY. name must
// not escape the directory.
func readSystemdCredential(name string) (string, error) {
	dir := os.Getenv("CREDENTIALS_DIRECTORY")
	if dir == "" {
		return "", fmt.Errorf("CREDENTIALS_DIRECTORY not set")
	}

	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid systemd credential name %q", name)
	}

	return readSecretFile(filepath.Join(dir, name))
}

// secret returns the configured password or refresh token.
func (cfg *AuthConfig) secret(prefix string) (string, error) {
	if cfg.Username == "" {
		return "", fmt.Errorf("\"%v-username\" is required when using %v auth", prefix, cfg.Method)
	}

	switch {
	case cfg.Password != "":
		return cfg.Password, nil
	case cfg.PasswordFile != "":
		return readSecretFile(cfg.PasswordFile)
	case cfg.SystemdCredential != "":
		return readSystemdCredential(cfg.SystemdCredential)
	case cfg.Keyring:
		creds, err := OpenCredentials()
		if err != nil {
			return "", err
		}

		if strings.ToUpper(cfg.Method) == "OAUTHBEARER" {
			return creds.RefreshToken(cfg.Username)
		}
		return creds.Password(cfg.Username)
	default:
		return "", fmt.Errorf("one of the \"%v-password\", \"%v-password-file\", \"%v-systemd-credential\" or \"%v-keyring\" flags is required", prefix, prefix, prefix, prefix)
	}
}
