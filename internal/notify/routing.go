// Package notify routes event notifications to chat recipients and
// buffers undeliverable messages in a disk-backed queue.
package notify

import (
	"fmt"
	"sort"

	"ttslo/internal/core"

	"gopkg.in/ini.v1"
)

// Recipient is one resolved delivery destination.
type Recipient struct {
	Name   string
	ChatID string
}

// Routing is the static table mapping event kinds to recipients. It is
// parsed once at startup from an INI file with a [recipients] section
// (user = chat id) and one [notify.<kind>] section per routed kind
// (users = a, b). A user referenced by a kind but absent from
// [recipients] is silently skipped.
type Routing struct {
	recipients map[string]string
	byKind     map[core.EventKind][]string
}

// EmptyRouting returns a routing table with no destinations. Every
// notification routed through it is a no-op.
func EmptyRouting() *Routing {
	return &Routing{
		recipients: make(map[string]string),
		byKind:     make(map[core.EventKind][]string),
	}
}

// LoadRouting parses the routing file.
func LoadRouting(path string) (*Routing, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification routing: %w", err)
	}

	r := EmptyRouting()
	for _, key := range cfg.Section("recipients").Keys() {
		r.recipients[key.Name()] = key.String()
	}
	for _, kind := range core.EventKinds() {
		section, err := cfg.GetSection("notify." + string(kind))
		if err != nil {
			continue
		}
		users := section.Key("users").Strings(",")
		if len(users) > 0 {
			r.byKind[kind] = users
		}
	}
	return r, nil
}

// Recipients resolves the destinations subscribed to an event kind.
func (r *Routing) Recipients(kind core.EventKind) []Recipient {
	users := r.byKind[kind]
	out := make([]Recipient, 0, len(users))
	for _, user := range users {
		chatID, ok := r.recipients[user]
		if !ok {
			continue
		}
		out = append(out, Recipient{Name: user, ChatID: chatID})
	}
	return out
}

// ChatID resolves a single user name.
func (r *Routing) ChatID(user string) (string, bool) {
	chatID, ok := r.recipients[user]
	return chatID, ok
}

// ActiveRecipients returns every resolvable user referenced by at least
// one event kind, in stable name order. Restoration announcements go to
// this set.
func (r *Routing) ActiveRecipients() []Recipient {
	seen := make(map[string]bool)
	names := make([]string, 0, len(r.recipients))
	for _, users := range r.byKind {
		for _, user := range users {
			if _, ok := r.recipients[user]; !ok || seen[user] {
				continue
			}
			seen[user] = true
			names = append(names, user)
		}
	}
	sort.Strings(names)

	out := make([]Recipient, 0, len(names))
	for _, name := range names {
		out = append(out, Recipient{Name: name, ChatID: r.recipients[name]})
	}
	return out
}
