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

// Package credential keeps account secrets (passwords, OAuth2 refresh
// tokens) in the operating system keyring.
package credential

import (
	"context"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const ServiceName = "mailchat"

var ErrNotFound = keyring.ErrKeyNotFound

// Open returns the system keyring, falling back to an encrypted file under
// dir when no native backend is available.
func Open(dir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailchat-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

type Store struct {
	ring keyring.Keyring
}

func passwordKey(account string) string {
	return "password:" + account
}

func tokenKey(account string) string {
	return "oauth2-refresh:" + account
}

func (s *Store) get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", errors.Wrapf(err, "getting credential %q", key)
	}
	return string(item.Data), nil
}

func (s *Store) set(key string, label string, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: label,
	})
	return errors.Wrapf(err, "setting credential %q", key)
}

func (s *Store) Password(account string) (string, error) {
	return s.get(passwordKey(account))
}

func (s *Store) SetPassword(account string, password string) error {
	return s.set(passwordKey(account), "MailChat password for "+account, password)
}

// RefreshToken returns the stored OAuth2 refresh token of account.
func (s *Store) RefreshToken(account string) (string, error) {
	return s.get(tokenKey(account))
}

func (s *Store) SetRefreshToken(account string, token string) error {
	return s.set(tokenKey(account), "MailChat OAuth2 token for "+account, token)
}

// Delete removes every secret of account. Missing entries are not an error.
func (s *Store) Delete(account string) error {
	for _, k := range []string{passwordKey(account), tokenKey(account)} {
		if err := s.ring.Remove(k); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return errors.Wrapf(err, "deleting credential %q", k)
		}
	}
	return nil
}

// TokenSource returns a token source seeded with the stored refresh token
// of account. Rotated refresh tokens are written back.
func (s *Store) TokenSource(cfg *oauth2.Config, account string) (oauth2.TokenSource, error) {
	refresh, err := s.RefreshToken(account)
	if err != nil {
		return nil, err
	}

	ts := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refresh})
	return &savingTokenSource{
		base:    oauth2.ReuseTokenSource(nil, ts),
		store:   s,
		account: account,
		last:    refresh,
	}, nil
}

type savingTokenSource struct {
	base    oauth2.TokenSource
	store   *Store
	account string
	last    string
}

func (ts *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.base.Token()
	if err != nil {
		return nil, err
	}

	if tok.RefreshToken != "" && tok.RefreshToken != ts.last {
		if err := ts.store.SetRefreshToken(ts.account, tok.RefreshToken); err != nil {
			return nil, err
		}
		ts.last = tok.RefreshToken
	}
	return tok, nil
}
