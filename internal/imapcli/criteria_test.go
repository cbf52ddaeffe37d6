package imapcli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailengine/pkg/types"
)

func TestBuildCriteriaSubject(t *testing.T) {
	c := buildCriteria(types.Criteria{Text: "urgent", Scope: types.ScopeSubject})
	assert.Equal(t, "urgent", c.Header.Get("Subject"))
	assert.Empty(t, c.Body)
}

func TestBuildCriteriaFrom(t *testing.T) {
	c := buildCriteria(types.Criteria{Text: "alice", Scope: types.ScopeFrom})
	assert.Equal(t, "alice", c.Header.Get("From"))
}

func TestBuildCriteriaBody(t *testing.T) {
	c := buildCriteria(types.Criteria{Text: "the details", Scope: types.ScopeBody})
	assert.Equal(t, []string{"the details"}, c.Body)
	assert.Empty(t, c.Header)
}

func TestBuildCriteriaRecipientsSpansToAndCc(t *testing.T) {
	c := buildCriteria(types.Criteria{Text: "bob@example.com", Scope: types.ScopeRecipients})
	require.Len(t, c.Or, 1)
	assert.Equal(t, "bob@example.com", c.Or[0][0].Header.Get("To"))
	assert.Equal(t, "bob@example.com", c.Or[0][1].Header.Get("Cc"))
}

func TestBuildCriteriaDatesAndFlags(t *testing.T) {
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	c := buildCriteria(types.Criteria{
		Since:        since,
		Before:       before,
		WithFlags:    []types.Flag{types.FlagSeen},
		WithoutFlags: []types.Flag{types.FlagDeleted},
	})
	assert.Equal(t, since, c.Since)
	assert.Equal(t, before, c.Before)
	assert.Equal(t, []string{"\\Seen"}, c.WithFlags)
	assert.Equal(t, []string{"\\Deleted"}, c.WithoutFlags)
}

func TestBuildCriteriaAttachmentApproximation(t *testing.T) {
	c := buildCriteria(types.Criteria{HasAttachment: true})
	assert.Equal(t, "multipart/mixed", c.Header.Get("Content-Type"))

	// Combined with a subject match, both header conditions apply.
	c = buildCriteria(types.Criteria{Text: "report", Scope: types.ScopeSubject, HasAttachment: true})
	assert.Equal(t, "report", c.Header.Get("Subject"))
	assert.Equal(t, "multipart/mixed", c.Header.Get("Content-Type"))
}
