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

package model

import (
	"time"
)

type JoinRole int

const (
	// RoleScanner is the side that scanned a QR code and initiates.
	RoleScanner JoinRole = 0
	// RoleScanned is the side that displayed the QR code.
	RoleScanned JoinRole = 1
)

func (r JoinRole) String() string {
	switch r {
	case RoleScanner:
		return "scanner"
	case RoleScanned:
		return "scanned"
	default:
		return "invalid"
	}
}

type JoinState int

const (
	// Scanner states.
	JoinRequestSent            JoinState = 0
	JoinAwaitingContactConfirm JoinState = 1
	JoinAwaitingAuthRequest    JoinState = 2

	// Scanned states.
	JoinAwaitingRequest     JoinState = 10
	JoinContactConfirmed    JoinState = 11
	JoinAwaitingAuthConfirm JoinState = 12

	// Terminal states, both roles.
	JoinVerified  JoinState = 20
	JoinTimedOut  JoinState = 21
	JoinFailed    JoinState = 22
	JoinAbandoned JoinState = 23
)

func (s JoinState) String() string {
	switch s {
	case JoinRequestSent:
		return "request_sent"
	case JoinAwaitingContactConfirm:
		return "awaiting_contact_confirm"
	case JoinAwaitingAuthRequest:
		return "awaiting_auth_request"
	case JoinAwaitingRequest:
		return "awaiting_request"
	case JoinContactConfirmed:
		return "contact_confirmed"
	case JoinAwaitingAuthConfirm:
		return "awaiting_auth_confirm"
	case JoinVerified:
		return "verified"
	case JoinTimedOut:
		return "timed_out"
	case JoinFailed:
		return "failed"
	case JoinAbandoned:
		return "abandoned"
	default:
		return "invalid"
	}
}

func (s JoinState) Terminal() bool {
	return s >= JoinVerified
}

// SecureJoinSession is one side of a handshake. Invite sessions (role
// scanned, ContactID 0) hold the token advertised in a QR code; a
// session per joining contact is forked from them when a request arrives.
type SecureJoinSession struct {
	ID          int64
	Role        JoinRole
	State       JoinState
	ContactID   int64
	Addr        string
	Fingerprint string
	Token       string
	GrpID       string
	GroupName   string
	// RequestMsgID is the outgoing step whose delivery advances the
	// session: RequestSent to AwaitingContactConfirm for the scanner,
	// AwaitingAuthConfirm to Verified for the scanned side.
	RequestMsgID int64
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

func (s *SecureJoinSession) IsGroup() bool {
	return s.GrpID != ""
}

func (s *SecureJoinSession) Expired(now time.Time) bool {
	return !s.State.Terminal() && !now.Before(s.ExpiresAt)
}
