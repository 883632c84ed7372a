package enum

type ActionType string

const (
	ActionMarkRead      ActionType = "mark_read"
	ActionMarkUnread    ActionType = "mark_unread"
	ActionMarkImportant ActionType = "mark_important"
	ActionDelete        ActionType = "delete"
	ActionMove          ActionType = "move"
	ActionCreateFolder  ActionType = "create_folder"
	ActionResendDraft   ActionType = "resend_draft"
)

func (t ActionType) String() string {
	return string(t)
}
