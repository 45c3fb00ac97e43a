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

// Package model contains the persistent entities of a chat account.
package model

import (
	"time"
)

// ContactSelf is the contact ID of the account owner.
const ContactSelf int64 = 1

type EncryptionStatus int

const (
	EncryptionNone       EncryptionStatus = 0
	EncryptionUnverified EncryptionStatus = 1
	EncryptionVerified   EncryptionStatus = 2
)

func (s EncryptionStatus) String() string {
	switch s {
	case EncryptionNone:
		return "none"
	case EncryptionUnverified:
		return "encrypted_unverified"
	case EncryptionVerified:
		return "encrypted_verified"
	default:
		return "invalid"
	}
}

type MessageKind int

const (
	KindText          MessageKind = 0
	KindInfo          MessageKind = 1
	KindHandshake     MessageKind = 2
	KindFile          MessageKind = 3
	KindWebxdc        MessageKind = 4
	KindUnprocessable MessageKind = 5
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInfo:
		return "info"
	case KindHandshake:
		return "handshake"
	case KindFile:
		return "file"
	case KindWebxdc:
		return "webxdc"
	case KindUnprocessable:
		return "unprocessable"
	default:
		return "invalid"
	}
}

type MessageState int

const (
	StatePending   MessageState = 0
	StateDelivered MessageState = 1
	StateFailed    MessageState = 2
	StateReceived  MessageState = 3
	StateSeen      MessageState = 4
	StateRead      MessageState = 5
)

func (s MessageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateReceived:
		return "received"
	case StateSeen:
		return "seen"
	case StateRead:
		return "read"
	default:
		return "invalid"
	}
}

// Outgoing reports whether the state belongs to a message this account sent.
func (s MessageState) Outgoing() bool {
	return s == StatePending || s == StateDelivered || s == StateFailed || s == StateRead
}

type Message struct {
	ID int64
	// RFC724MID is the wire Message-ID, without angle brackets.
	RFC724MID string
	ChatID    int64
	FromID    int64

	Timestamp     time.Time
	TimestampRcvd time.Time
	TimestampSort time.Time

	Encryption EncryptionStatus
	Kind       MessageKind
	State      MessageState
	Subject    string
	Text       string
	ParentMID  string
	References []string

	// Error is non-empty for messages that could not be decrypted or sent.
	Error string
	// Hidden messages are kept for bookkeeping but never shown.
	Hidden bool

	EphemeralTimer    time.Duration
	EphemeralDeadline time.Time

	Folder string
	UID    uint32
}

type ChatKind int

const (
	ChatSingle        ChatKind = 0
	ChatGroup         ChatKind = 1
	ChatVerifiedGroup ChatKind = 2
)

func (k ChatKind) String() string {
	switch k {
	case ChatSingle:
		return "single"
	case ChatGroup:
		return "group"
	case ChatVerifiedGroup:
		return "verified_group"
	default:
		return "invalid"
	}
}

func (k ChatKind) IsGroup() bool {
	return k == ChatGroup || k == ChatVerifiedGroup
}

type Chat struct {
	ID             int64
	Kind           ChatKind
	GrpID          string
	Name           string
	EphemeralTimer time.Duration
	LastActivity   time.Time
	CreatedAt      time.Time
}

// ChatMember records the latest add and remove of a contact. A contact is a
// member while the add is strictly newer than the removal.
type ChatMember struct {
	ChatID          int64
	ContactID       int64
	AddTimestamp    time.Time
	RemoveTimestamp time.Time
}

func (m *ChatMember) Active() bool {
	return m.AddTimestamp.After(m.RemoveTimestamp)
}

type Contact struct {
	ID        int64
	Addr      string
	Name      string
	CreatedAt time.Time
}

type PreferEncrypt int

const (
	PreferNoPreference PreferEncrypt = 0
	PreferMutual       PreferEncrypt = 1
	PreferDisabled     PreferEncrypt = 2
)

func (p PreferEncrypt) String() string {
	switch p {
	case PreferNoPreference:
		return "nopreference"
	case PreferMutual:
		return "mutual"
	case PreferDisabled:
		return "disabled"
	default:
		return "invalid"
	}
}

type PeerState struct {
	Addr      string
	ContactID int64

	// Current key announced by the peer.
	PublicKey    []byte
	Fingerprint  string
	KeyTimestamp time.Time

	// Key learned from another member's Autocrypt-Gossip.
	GossipKey         []byte
	GossipFingerprint string
	GossipTimestamp   time.Time

	LastSeen      time.Time
	PreferEncrypt PreferEncrypt

	// Verified is set only through a SecureJoin handshake or a gossip
	// vouch from an already-verified contact, and is cleared when the
	// current key no longer matches VerifiedFingerprint.
	Verified            bool
	VerifiedKey         []byte
	VerifiedFingerprint string
	VerifierID          int64
}

// HasKey reports whether any usable key is known for the peer.
func (p *PeerState) HasKey() bool {
	return len(p.PublicKey) > 0 || len(p.GossipKey) > 0
}

type PeerStateEvent struct {
	ID          int64
	Addr        string
	Fingerprint string
	Event       string
	Detail      string
	Timestamp   time.Time
}

const (
	PeerEventKeyLearned   = "key_learned"
	PeerEventKeyChanged   = "key_changed"
	PeerEventVerified     = "verified"
	PeerEventUnverified   = "unverified"
	PeerEventGossipVouch  = "gossip_vouch"
	PeerEventGossipLearnt = "gossip_learned"
)

type JobKind int

const (
	JobSendMessage JobKind = 0
	JobSendReceipt JobKind = 1
)

func (k JobKind) String() string {
	switch k {
	case JobSendMessage:
		return "send_message"
	case JobSendReceipt:
		return "send_receipt"
	default:
		return "invalid"
	}
}

// Envelope is a fully rendered outgoing message.
type Envelope struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Raw  []byte   `json:"raw"`
}

type Job struct {
	ID          int64
	Kind        JobKind
	MsgID       int64
	Envelope    Envelope
	Attempts    int
	NextRetryAt time.Time
	CreatedAt   time.Time
	LastError   string
	Claimed     bool
}
