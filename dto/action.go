package dto

import (
	"github.com/mailwell/mailmirror/internal/enum"
)

// ActionRecord is a queued user instruction addressed to one or more local
// messages, produced by the API layer and consumed by the realtime
// reconciler. Delivery is at-least-once; application must be idempotent.
type ActionRecord struct {
	ID           string          `json:"id"`
	MailboxID    string          `json:"mailboxId"`
	Tenant       string          `json:"tenant"`
	Type         enum.ActionType `json:"type"`
	MessageIDs   []string        `json:"messageIds,omitempty"`
	TargetFolder string          `json:"targetFolder,omitempty"`
	ParentFolder *string         `json:"parentFolder,omitempty"`
	DraftID      string          `json:"draftId,omitempty"`
}

// ActivityPing signals that a mailbox's owner is active, which drives
// realtime reconciler creation and teardown.
type ActivityPing struct {
	MailboxID string `json:"mailboxId"`
	Tenant    string `json:"tenant"`
	Active    bool   `json:"active"`
}
