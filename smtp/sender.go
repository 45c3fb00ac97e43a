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

// Package smtp submits rendered messages and classifies failures as
// transient or permanent.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/model"
	"golang.org/x/oauth2"
)

func NewSender(cfg *Config) *Sender {
	s := &Sender{cfg: *cfg, log: cfg.Logger}
	if s.cfg.Timeout <= 0 {
		s.cfg.Timeout = DefaultTimeout
	}
	if s.log == nil {
		s.log = log.NewEntry(log.StandardLogger())
	}
	s.log = s.log.WithField("smtp", cfg.HostPort)
	return s
}

func PlainAuth(username string, password string) AuthFunc {
	return func() (sasl.Client, error) {
		return sasl.NewPlainClient("", username, password), nil
	}
}

func OAuthBearerAuth(username string, source oauth2.TokenSource) AuthFunc {
	return func() (sasl.Client, error) {
		tok, err := source.Token()
		if err != nil {
			return nil, errors.Wrap(err, "fetching oauth2 token")
		}
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{Username: username, Token: tok.AccessToken}), nil
	}
}

// classify maps an SMTP failure onto the transport error classes. Replies in
// the 5xx range are permanent, everything else is worth retrying.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}

	var se *smtp.SMTPError
	if errors.As(err, &se) && se.Code >= 500 && se.Code < 600 {
		return errdefs.Permanent(errors.Wrap(err, what))
	}

	return errdefs.Transient(errors.Wrap(err, what))
}

func (s *Sender) dial(ctx context.Context) (*smtp.Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.HostPort)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := s.cfg.TLSConfig
	if tlsConfig == nil {
		host, _, _ := net.SplitHostPort(s.cfg.HostPort)
		tlsConfig = &tls.Config{ServerName: host}
	}

	switch s.cfg.Security {
	case SecurityTLS:
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil
	case SecurityStartTLS:
		return smtp.NewClientStartTLS(conn, tlsConfig)
	default:
		return smtp.NewClient(conn), nil
	}
}

// Send submits one message. The returned error is classified with errdefs.
func (s *Sender) Send(ctx context.Context, env model.Envelope) error {
	if len(env.To) == 0 {
		return errdefs.Permanent(errors.New("no recipients"))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx); err != nil {
			return errdefs.Transient(err)
		}
	}

	logger := s.log.WithFields(log.Fields{"from": env.From, "to": env.To, "size": len(env.Raw)})
	logger.Trace("smtp_send_start")

	c, err := s.dial(ctx)
	if err != nil {
		logger.WithError(err).Warn("smtp_dial_failed")
		return classify(err, "connecting")
	}
	defer c.Close()

	// Unblock any pending I/O if the context goes away.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if s.cfg.LocalName != "" {
		if err := c.Hello(s.cfg.LocalName); err != nil {
			return classify(err, "hello")
		}
	}

	if s.cfg.Auth != nil {
		auth, err := s.cfg.Auth()
		if err != nil {
			return errdefs.Transient(err)
		}

		if auth != nil {
			if err := c.Auth(auth); err != nil {
				logger.WithError(err).Warn("smtp_auth_failed")
				return classify(err, "authenticating")
			}
		}
	}

	if err := c.Mail(env.From, nil); err != nil {
		return classify(err, "MAIL FROM")
	}

	for _, to := range env.To {
		if err := c.Rcpt(to, nil); err != nil {
			logger.WithError(err).WithField("rcpt", to).Warn("smtp_rcpt_rejected")
			return classify(err, "RCPT TO "+to)
		}
	}

	w, err := c.Data()
	if err != nil {
		return classify(err, "DATA")
	}

	if _, err := bytes.NewReader(env.Raw).WriteTo(w); err != nil {
		_ = w.Close()
		return classify(err, "writing message")
	}

	if err := w.Close(); err != nil {
		return classify(err, "finishing message")
	}

	if err := c.Quit(); err != nil {
		// The message has been accepted already.
		logger.WithError(err).Debug("smtp_quit_failed")
	}

	logger.Debug("smtp_send_success")
	return nil
}
