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

// Package errdefs holds the error classes shared by every mailchat component.
// Callers classify an underlying error with one of the constructors and test
// for a class with errors.Is or one of the Is* predicates.
package errdefs

import (
	"github.com/pkg/errors"
)

var (
	ErrTransientTransport = errors.New("transient transport failure")
	ErrPermanentTransport = errors.New("permanent transport failure")
	ErrMalformedInput     = errors.New("malformed input")
	ErrCryptoVerification = errors.New("cryptographic verification failure")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrStorage            = errors.New("storage failure")
)

type classified struct {
	class error
	err   error
}

func (e *classified) Error() string {
	return e.class.Error() + ": " + e.err.Error()
}

func (e *classified) Unwrap() error {
	return e.err
}

func (e *classified) Is(target error) bool {
	return target == e.class
}

func classify(class error, err error) error {
	if err == nil {
		return nil
	}

	// Don't stack classes; the innermost one wins.
	if c := Class(err); c != nil {
		return err
	}

	return &classified{class: class, err: err}
}

func Transient(err error) error { return classify(ErrTransientTransport, err) }
func Permanent(err error) error { return classify(ErrPermanentTransport, err) }
func Malformed(err error) error { return classify(ErrMalformedInput, err) }
func Crypto(err error) error    { return classify(ErrCryptoVerification, err) }
func Protocol(err error) error  { return classify(ErrProtocolViolation, err) }
func Storage(err error) error   { return classify(ErrStorage, err) }

// Malformedf and Protocolf build a classified error from a message.
func Malformedf(format string, args ...interface{}) error {
	return Malformed(errors.Errorf(format, args...))
}

func Protocolf(format string, args ...interface{}) error {
	return Protocol(errors.Errorf(format, args...))
}

func Cryptof(format string, args ...interface{}) error {
	return Crypto(errors.Errorf(format, args...))
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransientTransport) }
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanentTransport) }
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedInput) }
func IsCrypto(err error) bool    { return errors.Is(err, ErrCryptoVerification) }
func IsProtocol(err error) bool  { return errors.Is(err, ErrProtocolViolation) }
func IsStorage(err error) bool   { return errors.Is(err, ErrStorage) }

// Class returns the class sentinel of err, or nil if it is unclassified.
func Class(err error) error {
	for _, c := range []error{
		ErrTransientTransport,
		ErrPermanentTransport,
		ErrMalformedInput,
		ErrCryptoVerification,
		ErrProtocolViolation,
		ErrStorage,
	} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
