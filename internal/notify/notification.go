// Package notify announces live sessions to their audience
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/eventbus/rpc"
)

type Scope string

const (
	ScopeAll          Scope = "all"
	ScopeOrganization Scope = "organization"
)

type Audience struct {
	Scope          Scope  `json:"scope"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// AudienceFor scopes a notification to the organization of the host, if any
func AudienceFor(organizationID string) Audience {
	if organizationID == "" {
		return Audience{Scope: ScopeAll}
	}
	return Audience{Scope: ScopeOrganization, OrganizationID: organizationID}
}

// Key names the audience on the eventbus and in websocket feeds: "all" or "org:{id}"
func (a Audience) Key() string {
	if a.Scope == ScopeOrganization && a.OrganizationID != "" {
		return "org:" + a.OrganizationID
	}
	return string(ScopeAll)
}

type Notification struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Link      string         `json:"link"`
	Audience  Audience       `json:"audience"`
	SessionID core.SessionID `json:"session_id"`
	SentAt    time.Time      `json:"sent_at"`
}

// NewLiveNotification builds the announcement of a session going live,
// linking to {linkBase}/sessions/{sessionID}
func NewLiveNotification(sessionID core.SessionID, req core.LiveRequest, linkBase string) Notification {
	title := req.Title
	if title == "" {
		title = "Live class"
	}

	return Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      fmt.Sprintf("%s is live now. Join the class!", title),
		Link:      strings.TrimRight(linkBase, "/") + "/sessions/" + string(sessionID),
		Audience:  AudienceFor(req.OrganizationID),
		SessionID: sessionID,
		SentAt:    time.Now().UTC(),
	}
}

func (n Notification) Rpc() *rpc.LiveStartedRpc {
	return rpc.NewLiveStartedRpc(rpc.LiveStartedParams{
		ID:             n.ID,
		SessionID:      string(n.SessionID),
		Title:          n.Title,
		Body:           n.Body,
		Link:           n.Link,
		Scope:          string(n.Audience.Scope),
		OrganizationID: n.Audience.OrganizationID,
		SentAt:         n.SentAt,
	})
}

// Sender delivers a notification without any delivery guarantee
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// NopSender drops every notification
type NopSender struct{}

func (NopSender) Send(context.Context, Notification) error {
	return nil
}
