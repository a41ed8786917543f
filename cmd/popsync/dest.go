// popsync
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"encoding/base64"
	"fmt"

	"src.bluestatic.org/popsync/pkg/version"

	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Destination is where the monitor forwards newly received messages.
type Destination interface {
	Connect(context.Context) (DestinationConnection, error)
}

type DestinationConnection interface {
	// AddMessage stores one raw RFC 5322 message.
	AddMessage([]byte) error
	Close() error
}

var defaultGmailLabels = []string{"INBOX", "UNREAD"}

// NewDestination returns nil when no destination is configured.
func NewDestination(config DestinationConfig, auth OAuthServer, log *zap.Logger) (Destination, error) {
	switch config.Type {
	case DestinationNone:
		return nil, nil
	case DestinationGmail:
		labels := config.Labels
		if len(labels) == 0 {
			labels = defaultGmailLabels
		}
		return &gmailDestination{
			email:  config.Email,
			labels: labels,
			auth:   auth,
			log:    log.With(zap.String("dest", config.Email)),
		}, nil
	default:
		return nil, fmt.Errorf("Unsupported destination type %q", config.Type)
	}
}

type gmailDestination struct {
	email  string
	labels []string
	auth   OAuthServer
	log    *zap.Logger

	// opts are appended to the service options.
	opts []option.ClientOption
}

type gmailConnection struct {
	d   *gmailDestination
	svc *gmail.Service
}

func (d *gmailDestination) Connect(ctx context.Context) (DestinationConnection, error) {
	res := <-d.auth.GetTokenForUser(ctx, d.email)
	if res.Error != nil {
		return nil, fmt.Errorf("Failed to get token for %s: %w", d.email, res.Error)
	}

	opts := append([]option.ClientOption{
		option.WithHTTPClient(d.auth.MakeClient(ctx, res.Token)),
		option.WithUserAgent("popsync/" + version.Number),
	}, d.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &gmailConnection{d: d, svc: svc}, nil
}

func (c *gmailConnection) AddMessage(msg []byte) error {
	inserted, err := c.svc.Users.Messages.Insert("me", &gmail.Message{
		LabelIds: c.d.labels,
		Raw:      base64.RawURLEncoding.EncodeToString(msg),
	}).Do()
	if err != nil {
		return fmt.Errorf("gmail insert: %w", err)
	}
	c.d.log.Info("Inserted message", zap.String("gmail-id", inserted.Id))
	return nil
}

func (c *gmailConnection) Close() error {
	return nil
}
