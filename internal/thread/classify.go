// Package thread groups raw messages into canonical conversation threads.
package thread

import (
	"sort"
	"time"

	"github.com/threadvault/threadvault/internal/handle"
	"github.com/threadvault/threadvault/internal/source"
)

// Kind distinguishes direct conversations from group chats.
type Kind string

const (
	KindOneToOne Kind = "one-to-one"
	KindGroup    Kind = "group"
)

// Direction of a message relative to the archive's owner.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	// DirectionSelf marks notes-to-self: outgoing messages in a thread
	// whose every participant is the owner.
	DirectionSelf Direction = "self"
)

// Thread is one classified conversation.
type Thread struct {
	ExternalID string
	Kind       Kind
	// DisplayLabel is the store's chat name when set, otherwise the
	// joined participant keys.
	DisplayLabel string
	// Participants holds the canonical keys of every non-owner member,
	// sorted and deduplicated.
	Participants []string
	Service      string
	FirstMessage time.Time
	LastMessage  time.Time
}

// ParticipantsKey returns the flattened participant identity of the
// thread, used to match the same conversation across sources.
func (t *Thread) ParticipantsKey() string {
	return handle.FlattenKeys(t.Participants)
}

// Classifier accumulates threads over a stream of raw messages.
//
// Classification is monotonic: once a thread has been seen with two or
// more non-owner participants it stays a group even if later rows carry
// a reduced member list.
type Classifier struct {
	norm    handle.Normalizer
	self    map[string]bool
	threads map[string]*Thread
	order   []string
}

// NewClassifier builds a classifier. selfIdentifiers are the owner's raw
// identifiers; they are normalized here so config can hold them in any
// formatting. norm carries the configured country code; the zero value
// works for default-region data.
func NewClassifier(selfIdentifiers []string, norm handle.Normalizer) *Classifier {
	self := make(map[string]bool, len(selfIdentifiers))
	for _, raw := range selfIdentifiers {
		if key := norm.Key(raw); key != "" {
			self[key] = true
		}
	}
	return &Classifier{
		norm:    norm,
		self:    self,
		threads: make(map[string]*Thread),
	}
}

// Observe folds one message into its thread, creating the thread on
// first sight, and returns it.
func (c *Classifier) Observe(msg *source.RawMessage, sentAt time.Time) *Thread {
	id := msg.ChatGUID
	participants := c.participantKeys(msg)
	if id == "" {
		// Some stores carry orphan rows with no chat mapping. Group
		// them by participant identity so they still land somewhere
		// deterministic.
		id = "adhoc:" + c.norm.FlattenKeys(participants)
	}

	t, ok := c.threads[id]
	if !ok {
		t = &Thread{
			ExternalID:   id,
			Kind:         KindOneToOne,
			Service:      msg.Service,
			FirstMessage: sentAt,
			LastMessage:  sentAt,
		}
		c.threads[id] = t
		c.order = append(c.order, id)
	}

	t.Participants = mergeKeys(t.Participants, participants)
	if len(t.Participants) >= 2 {
		t.Kind = KindGroup
	}
	if t.Service == "" {
		t.Service = msg.Service
	}
	if msg.ChatName != "" {
		t.DisplayLabel = msg.ChatName
	} else if t.DisplayLabel == "" {
		t.DisplayLabel = c.norm.FlattenKeys(t.Participants)
	}
	if !sentAt.IsZero() {
		if t.FirstMessage.IsZero() || sentAt.Before(t.FirstMessage) {
			t.FirstMessage = sentAt
		}
		if sentAt.After(t.LastMessage) {
			t.LastMessage = sentAt
		}
	}
	return t
}

// Direction reports the message's direction relative to the owner.
func (c *Classifier) Direction(msg *source.RawMessage) Direction {
	if !msg.IsFromMe {
		return DirectionInbound
	}
	if len(c.participantKeys(msg)) == 0 {
		return DirectionSelf
	}
	return DirectionOutbound
}

// SenderKey returns the canonical key of the message sender, empty for
// the owner's own messages.
func (c *Classifier) SenderKey(msg *source.RawMessage) string {
	if msg.IsFromMe {
		return ""
	}
	return c.norm.Key(msg.SenderHandle)
}

// Threads returns every observed thread in first-seen order.
func (c *Classifier) Threads() []*Thread {
	out := make([]*Thread, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.threads[id])
	}
	return out
}

// participantKeys normalizes the chat membership plus the sender and
// strips the owner's own identifiers.
func (c *Classifier) participantKeys(msg *source.RawMessage) []string {
	raws := msg.ChatMembers
	if msg.SenderHandle != "" {
		raws = append(raws[:len(raws):len(raws)], msg.SenderHandle)
	}

	seen := make(map[string]bool, len(raws))
	keys := make([]string, 0, len(raws))
	for _, raw := range raws {
		key := c.norm.Key(raw)
		if key == "" || c.self[key] || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func mergeKeys(existing, add []string) []string {
	if len(add) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing)+len(add))
	for _, k := range existing {
		seen[k] = true
	}
	merged := existing
	for _, k := range add {
		if !seen[k] {
			seen[k] = true
			merged = append(merged, k)
		}
	}
	sort.Strings(merged)
	return merged
}
