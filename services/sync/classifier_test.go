package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
)

func TestClassify_SkipListWinsOverEverything(t *testing.T) {
	classifier := NewFolderClassifier([]string{"Newsletters"}, nil)

	_, ok := classifier.Classify(interfaces.RemoteFolder{
		Name:       "Newsletters",
		Attributes: []string{"\\Sent"},
	}, "example.com")
	assert.False(t, ok)
}

func TestClassify_AttributeRoles(t *testing.T) {
	classifier := NewFolderClassifier(nil, nil)

	lf, ok := classifier.Classify(interfaces.RemoteFolder{Name: "INBOX"}, "example.com")
	require.True(t, ok)
	assert.Equal(t, enum.FolderInbox, lf.Role)

	lf, ok = classifier.Classify(interfaces.RemoteFolder{
		Name:       "[Gmail]/Sent Mail",
		Delimiter:  "/",
		Attributes: []string{"\\HasNoChildren", "\\Sent"},
	}, "gmail.com")
	require.True(t, ok)
	assert.Equal(t, enum.FolderSent, lf.Role)
	assert.Equal(t, "Sent Mail", lf.DisplayName)

	lf, ok = classifier.Classify(interfaces.RemoteFolder{
		Name:       "[Gmail]/Spam",
		Delimiter:  "/",
		Attributes: []string{"\\Junk"},
	}, "gmail.com")
	require.True(t, ok)
	assert.Equal(t, enum.FolderSpam, lf.Role)
}

func TestClassify_AttributeSkips(t *testing.T) {
	classifier := NewFolderClassifier(nil, nil)

	for _, attr := range []string{"\\All", "\\Noselect", "\\NonExistent", "\\Trash", "\\Archive", "\\Drafts", "\\Flagged"} {
		_, ok := classifier.Classify(interfaces.RemoteFolder{
			Name:       "Some Folder",
			Attributes: []string{attr},
		}, "example.com")
		assert.False(t, ok, "expected skip for %s", attr)
	}
}

func TestClassify_RoleAttributeBeatsSkipAttribute(t *testing.T) {
	// A folder flagged both \Sent and \Noselect still classifies as Sent.
	classifier := NewFolderClassifier(nil, nil)

	lf, ok := classifier.Classify(interfaces.RemoteFolder{
		Name:       "Gesendet",
		Attributes: []string{"\\Noselect", "\\Sent"},
	}, "gmx.de")
	require.True(t, ok)
	assert.Equal(t, enum.FolderSent, lf.Role)
}

func TestClassify_DomainOverride(t *testing.T) {
	overrides := map[string]map[string]enum.FolderRole{
		"gmx.de": {"gesendet": enum.FolderSent},
	}
	classifier := NewFolderClassifier(nil, overrides)

	lf, ok := classifier.Classify(interfaces.RemoteFolder{Name: "Gesendet"}, "gmx.de")
	require.True(t, ok)
	assert.Equal(t, enum.FolderSent, lf.Role)

	// No override for another domain: falls through to generic.
	lf, ok = classifier.Classify(interfaces.RemoteFolder{Name: "Gesendet"}, "example.com")
	require.True(t, ok)
	assert.Equal(t, enum.FolderOther, lf.Role)
}

func TestClassify_GlobalNameMap(t *testing.T) {
	classifier := NewFolderClassifier(nil, nil)

	lf, ok := classifier.Classify(interfaces.RemoteFolder{Name: "Sent Items"}, "example.com")
	require.True(t, ok)
	assert.Equal(t, enum.FolderSent, lf.Role)

	lf, ok = classifier.Classify(interfaces.RemoteFolder{Name: "Bulk Mail"}, "example.com")
	require.True(t, ok)
	assert.Equal(t, enum.FolderSpam, lf.Role)
}

func TestClassify_GenericFolderTaggedWithPath(t *testing.T) {
	classifier := NewFolderClassifier(nil, nil)

	lf, ok := classifier.Classify(interfaces.RemoteFolder{
		Name:      "Projects/2024/Invoices",
		Delimiter: "/",
	}, "example.com")
	require.True(t, ok)
	assert.Equal(t, enum.FolderOther, lf.Role)
	assert.Equal(t, "Invoices", lf.DisplayName)
	assert.Contains(t, lf.Tags, "Projects/2024/Invoices")
}

func TestOrderForSync(t *testing.T) {
	folders := []interfaces.LogicalFolder{
		{Role: enum.FolderOther, Name: "Receipts"},
		{Role: enum.FolderSpam, Name: "Spam"},
		{Role: enum.FolderOther, Name: "Archive 2023"},
		{Role: enum.FolderSent, Name: "Sent"},
		{Role: enum.FolderInbox, Name: "INBOX"},
	}

	ordered := OrderForSync(folders)
	require.Len(t, ordered, 5)
	assert.Equal(t, "INBOX", ordered[0].Name)
	assert.Equal(t, "Sent", ordered[1].Name)
	assert.Equal(t, "Spam", ordered[2].Name)
	// Remaining folders keep discovery order.
	assert.Equal(t, "Receipts", ordered[3].Name)
	assert.Equal(t, "Archive 2023", ordered[4].Name)
}
