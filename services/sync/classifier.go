package sync

import (
	"sort"
	"strings"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
)

// Attribute names as reported by IMAP special-use extensions.
const (
	attrAll         = "\\All"
	attrArchive     = "\\Archive"
	attrDrafts      = "\\Drafts"
	attrFlagged     = "\\Flagged"
	attrJunk        = "\\Junk"
	attrNoSelect    = "\\Noselect"
	attrNonExistent = "\\NonExistent"
	attrSent        = "\\Sent"
	attrTrash       = "\\Trash"
)

// globalNameRoles maps lowercase folder names seen across common providers to
// their logical role. Checked after attributes and per-domain overrides.
var globalNameRoles = map[string]enum.FolderRole{
	"inbox":        enum.FolderInbox,
	"sent":         enum.FolderSent,
	"sent items":   enum.FolderSent,
	"sent mail":    enum.FolderSent,
	"sent-mail":    enum.FolderSent,
	"outbox":       enum.FolderSent,
	"junk":         enum.FolderSpam,
	"junk e-mail":  enum.FolderSpam,
	"spam":         enum.FolderSpam,
	"bulk mail":    enum.FolderSpam,
	"[gmail]/spam": enum.FolderSpam,
}

// FolderClassifier is a deterministic, total mapping from a remote folder
// listing entry to a logical folder or a skip decision.
type FolderClassifier struct {
	skipList        map[string]struct{}
	domainOverrides map[string]map[string]enum.FolderRole
}

// NewFolderClassifier builds a classifier. skipList entries are matched
// case-insensitively against full folder names. domainOverrides maps an email
// domain to a lowercase-folder-name to role table.
func NewFolderClassifier(skipList []string, domainOverrides map[string]map[string]enum.FolderRole) *FolderClassifier {
	skip := make(map[string]struct{}, len(skipList))
	for _, name := range skipList {
		skip[strings.ToLower(name)] = struct{}{}
	}
	return &FolderClassifier{
		skipList:        skip,
		domainOverrides: domainOverrides,
	}
}

// Classify resolves a remote folder to a logical folder. The second return
// value is false when the folder must not be synchronized.
func (c *FolderClassifier) Classify(folder interfaces.RemoteFolder, domain string) (interfaces.LogicalFolder, bool) {
	lowerName := strings.ToLower(folder.Name)

	if _, skip := c.skipList[lowerName]; skip {
		return interfaces.LogicalFolder{}, false
	}

	attrs := make(map[string]struct{}, len(folder.Attributes))
	for _, a := range folder.Attributes {
		attrs[a] = struct{}{}
	}

	if role, ok := roleFromAttributes(attrs, lowerName); ok {
		return c.logicalFolder(role, folder), true
	}

	for _, a := range []string{attrAll, attrNoSelect, attrNonExistent, attrTrash, attrArchive, attrDrafts, attrFlagged} {
		if _, found := attrs[a]; found {
			return interfaces.LogicalFolder{}, false
		}
	}

	if overrides, ok := c.domainOverrides[strings.ToLower(domain)]; ok {
		if role, found := overrides[lowerName]; found {
			return c.logicalFolder(role, folder), true
		}
	}

	if role, ok := globalNameRoles[lowerName]; ok {
		return c.logicalFolder(role, folder), true
	}

	// Unrecognized folders sync as generic folders tagged with their path.
	lf := c.logicalFolder(enum.FolderOther, folder)
	lf.Tags = append(lf.Tags, folder.Name)
	return lf, true
}

func roleFromAttributes(attrs map[string]struct{}, lowerName string) (enum.FolderRole, bool) {
	if lowerName == "inbox" {
		return enum.FolderInbox, true
	}
	if _, ok := attrs[attrSent]; ok {
		return enum.FolderSent, true
	}
	if _, ok := attrs[attrJunk]; ok {
		return enum.FolderSpam, true
	}
	return "", false
}

func (c *FolderClassifier) logicalFolder(role enum.FolderRole, folder interfaces.RemoteFolder) interfaces.LogicalFolder {
	displayName := folder.Name
	if folder.Delimiter != "" {
		parts := strings.Split(folder.Name, folder.Delimiter)
		displayName = parts[len(parts)-1]
	}
	return interfaces.LogicalFolder{
		Role:        role,
		Name:        folder.Name,
		DisplayName: displayName,
	}
}

// OrderForSync arranges folders for a batch pass: Inbox first, then Sent,
// then Spam, then everything else in discovery order.
func OrderForSync(folders []interfaces.LogicalFolder) []interfaces.LogicalFolder {
	ordered := make([]interfaces.LogicalFolder, len(folders))
	copy(ordered, folders)
	sort.SliceStable(ordered, func(i, j int) bool {
		return syncPriority(ordered[i].Role) < syncPriority(ordered[j].Role)
	})
	return ordered
}

func syncPriority(role enum.FolderRole) int {
	switch role {
	case enum.FolderInbox:
		return 0
	case enum.FolderSent:
		return 1
	case enum.FolderSpam:
		return 2
	default:
		return 3
	}
}
