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

package credential

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
)

func TestPassword(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	_, err := s.Password("alice@example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.SetPassword("alice@example.org", "hunter2"))

	pw, err := s.Password("alice@example.org")
	assert.NoError(t, err)
	assert.Equal(t, "hunter2", pw)

	assert.NoError(t, s.Delete("alice@example.org"))
	assert.NoError(t, s.Delete("alice@example.org"))

	_, err = s.Password("alice@example.org")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenSourceSavesRotatedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access",
			"token_type":    "Bearer",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	s := New(keyring.NewArrayKeyring(nil))
	if !assert.NoError(t, s.SetRefreshToken("alice@example.org", "old-refresh")) {
		t.FailNow()
	}

	cfg := &oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}

	ts, err := s.TokenSource(cfg, "alice@example.org")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	tok, err := ts.Token()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, "access", tok.AccessToken)

	refresh, err := s.RefreshToken("alice@example.org")
	assert.NoError(t, err)
	assert.Equal(t, "new-refresh", refresh)
}
