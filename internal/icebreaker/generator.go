// Package icebreaker defines the conversation-starter generator consumed by
// the coordinator. Generation is an external concern; this package carries the
// interface plus a built-in template generator used both standalone and as
// the degradation path when a smarter backend is unavailable.
package icebreaker

import (
	"context"

	"github.com/driftchat/drift/internal/prefs"
)

// Generator produces ordered icebreaker suggestions for a matched pair.
type Generator interface {
	// ForProfiles generates openers from the two preference profiles.
	ForProfiles(ctx context.Context, a, b *prefs.Profile) ([]string, error)

	// FromConversation generates follow-ups from recent message texts plus
	// both profiles.
	FromConversation(ctx context.Context, recent []string, a, b *prefs.Profile) ([]string, error)
}

// openersByStyle maps a chat style to curated conversation openers.
var openersByStyle = map[string][]string{
	"friendly": {
		"What's something small that made you smile this week?",
		"If you could instantly learn any skill, what would it be?",
		"What's your go-to comfort food?",
	},
	"casual": {
		"What are you watching or listening to lately?",
		"Early bird or night owl?",
		"What's the last thing you took a photo of?",
	},
	"professional": {
		"What project are you most proud of?",
		"What does a perfect workday look like for you?",
		"What's one tool you couldn't work without?",
	},
	"fun": {
		"Would you rather fight one horse-sized duck or a hundred duck-sized horses?",
		"What's the most useless talent you have?",
		"If your life had a theme song, what would it be?",
	},
}

var defaultOpeners = []string{
	"What's something you're looking forward to this week?",
	"If you could travel anywhere tomorrow, where would you go?",
	"What's a hobby you could talk about for hours?",
}

var followUps = []string{
	"What made you bring that up? I'm curious about the story behind it.",
	"If you two met in person, what would you do together?",
	"What's a question you wish more people asked you?",
}

// Templates is a Generator backed by curated lists keyed by the pair's chat
// styles. Output is deterministic for a given pair of profiles.
type Templates struct{}

// NewTemplates returns the built-in template generator.
func NewTemplates() *Templates {
	return &Templates{}
}

// ForProfiles picks one opener per relevant style list, falling back to the
// default list when neither profile declares a style.
func (t *Templates) ForProfiles(_ context.Context, a, b *prefs.Profile) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	add := func(list []string) {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
			if len(out) >= 3 {
				return
			}
		}
	}

	if a != nil {
		if list, ok := openersByStyle[a.ChatStyle]; ok {
			add(list)
		}
	}
	if b != nil && len(out) < 3 {
		if list, ok := openersByStyle[b.ChatStyle]; ok {
			add(list)
		}
	}
	if len(out) < 3 {
		add(defaultOpeners)
	}
	return out, nil
}

// FromConversation returns generic follow-ups; the template generator does
// not model conversation content.
func (t *Templates) FromConversation(ctx context.Context, _ []string, a, b *prefs.Profile) ([]string, error) {
	out := make([]string, len(followUps))
	copy(out, followUps)
	return out, nil
}
