package service

import (
	"cmp"
	"regexp"
	"slices"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/voyagen/channelfeed/internal/models"
	"github.com/voyagen/channelfeed/internal/source"
)

// Candidate is one post-to-be: a single message or a whole album.
type Candidate struct {
	MessageID int64
	GroupID   *int64
	Text      string
	Date      time.Time
	Views     int
	Reactions []models.ReactionCount
	Forward   *models.ForwardedFrom
	Media     []MediaSlot
}

// MediaSlot is an attachment together with the member message it came from.
// Index is its position within that message, which keys the stored object.
type MediaSlot struct {
	MessageID int64
	Index     int
	Ref       source.MediaRef
}

type groupKey struct {
	album bool
	id    int64
}

func keyOf(m source.Message) groupKey {
	if m.GroupID != nil {
		return groupKey{album: true, id: *m.GroupID}
	}
	return groupKey{id: m.ID}
}

// NewSanitizer returns the policy applied to message text: the inline
// formatting the source emits, links, and spoilers.
func NewSanitizer() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "ins", "s", "strike", "del", "code", "pre", "blockquote", "br")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoFollowOnLinks(true)
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^tg-spoiler$`)).OnElements("span")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[\w+-]+$`)).OnElements("code")
	return p
}

// GroupMessages collapses messages into candidate posts. Messages sharing an
// album id become one candidate whose metadata comes from the lowest member
// id and whose media is every member's media in ascending id order. Messages
// with neither text nor media are dropped. Candidates keep the order in which
// their first member appeared. A nil sanitizer leaves text untouched.
func GroupMessages(msgs []source.Message, sanitizer *bluemonday.Policy) []Candidate {
	var order []groupKey
	members := make(map[groupKey][]source.Message)
	for _, m := range msgs {
		if m.Text == "" && len(m.Media) == 0 {
			continue
		}
		k := keyOf(m)
		if _, seen := members[k]; !seen {
			order = append(order, k)
		}
		members[k] = append(members[k], m)
	}

	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		group := members[k]
		slices.SortFunc(group, func(a, b source.Message) int { return cmp.Compare(a.ID, b.ID) })
		head := group[0]

		c := Candidate{
			MessageID: head.ID,
			GroupID:   head.GroupID,
			Text:      head.Text,
			Date:      head.Date,
			Views:     head.Views,
			Reactions: head.Reactions,
			Forward:   head.Forward,
		}
		if sanitizer != nil && c.Text != "" {
			c.Text = sanitizer.Sanitize(c.Text)
		}
		for _, m := range group {
			for i, ref := range m.Media {
				c.Media = append(c.Media, MediaSlot{MessageID: m.ID, Index: i, Ref: ref})
			}
		}
		out = append(out, c)
	}
	return out
}
