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

package smtp

import (
	"crypto/tls"
	"time"

	"github.com/emersion/go-sasl"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const DefaultTimeout = 2 * time.Minute

type Security int

const (
	// SecurityTLS connects with implicit TLS (smtps://).
	SecurityTLS Security = 0
	// SecurityStartTLS upgrades a plain connection with STARTTLS (smtp://).
	SecurityStartTLS Security = 1
	// SecurityNone never encrypts. Only for tests.
	SecurityNone Security = 2
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecurityStartTLS:
		return "starttls"
	case SecurityNone:
		return "none"
	default:
		return "invalid"
	}
}

// AuthFunc returns the SASL client for a new connection, or nil to skip
// authentication.
type AuthFunc func() (sasl.Client, error)

type Config struct {
	HostPort  string
	Security  Security
	TLSConfig *tls.Config
	Auth      AuthFunc
	// LocalName is sent in EHLO.
	LocalName string
	// Timeout bounds a whole submission when the context has no deadline.
	Timeout time.Duration
	Limiter *rate.Limiter
	Logger  *log.Entry
}

type Sender struct {
	cfg Config
	log *log.Entry
}
