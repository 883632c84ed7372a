package enum

type FolderRole string

const (
	FolderInbox  FolderRole = "inbox"
	FolderSent   FolderRole = "sent"
	FolderSpam   FolderRole = "spam"
	FolderTrash  FolderRole = "trash"
	FolderDrafts FolderRole = "drafts"
	FolderOther  FolderRole = "other"
	FolderUser   FolderRole = "user_folder"
)

func (t FolderRole) String() string {
	return string(t)
}
