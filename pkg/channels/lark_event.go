package channels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"

	"github.com/sipeed/larkrelay/pkg/bus"
	"github.com/sipeed/larkrelay/pkg/config"
)

const larkChannelName = "lark"

type EventKind int

const (
	EventOther EventKind = iota
	EventChallenge
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventMessage:
		return "message"
	default:
		return "other"
	}
}

// Event is the classification of one inbound webhook body.
type Event struct {
	Kind EventKind
	// Challenge is the verification value exactly as it appeared in the body.
	Challenge json.RawMessage
	// Message is set for EventMessage.
	Message bus.InboundMessage
	// Raw is the decoded payload, kept for logging.
	Raw json.RawMessage
	// Reason explains why a payload was classified as EventOther.
	Reason string
}

// selfMentionPattern matches the placeholders Lark substitutes for @-mentions.
var selfMentionPattern = regexp.MustCompile(`@_user_\d+`)

// object is a lazily decoded JSON object.
type object map[string]json.RawMessage

func (o object) str(key string) string {
	raw, ok := o[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (o object) obj(key string) object {
	raw, ok := o[key]
	if !ok {
		return nil
	}
	var child object
	if err := json.Unmarshal(raw, &child); err != nil {
		return nil
	}
	return child
}

func (o object) has(key string) bool {
	_, ok := o[key]
	return ok
}

// shapeMatcher recognises one historical layout of the message event.
type shapeMatcher struct {
	schema string
	match  func(event object) (bus.InboundMessage, bool)
}

var knownShapes = map[string]shapeMatcher{
	"2.0": {schema: "2.0", match: matchSchemaV2},
	"1.0": {schema: "1.0", match: matchSchemaV1},
}

// matchSchemaV2 handles im.message.receive_v1 events:
// event.message.{message_id, content, chat_id, mentions}.
func matchSchemaV2(event object) (bus.InboundMessage, bool) {
	msg := event.obj("message")
	if msg == nil {
		return bus.InboundMessage{}, false
	}
	id := firstNonEmpty(msg.str("message_id"), msg.str("open_message_id"))
	if id == "" {
		return bus.InboundMessage{}, false
	}

	var mentions []struct {
		Key string `json:"key"`
	}
	if raw, ok := msg["mentions"]; ok {
		_ = json.Unmarshal(raw, &mentions)
	}
	keys := make([]string, 0, len(mentions))
	for _, m := range mentions {
		if m.Key != "" {
			keys = append(keys, m.Key)
		}
	}

	sender := ""
	if s := event.obj("sender"); s != nil {
		if sid := s.obj("sender_id"); sid != nil {
			sender = sid.str("open_id")
		}
	}

	return bus.InboundMessage{
		MessageID:  id,
		ChatID:     msg.str("chat_id"),
		SenderID:   sender,
		RawContent: msg.str("content"),
		Mentions:   keys,
	}, true
}

// matchSchemaV1 handles the legacy event_callback layout where the message
// fields sit directly on the event and the text arrives unwrapped.
func matchSchemaV1(event object) (bus.InboundMessage, bool) {
	id := firstNonEmpty(event.str("open_message_id"), event.str("message_id"))
	if id == "" {
		return bus.InboundMessage{}, false
	}
	content := event.str("text")
	if event.has("text_without_at_bot") {
		content = event.str("text_without_at_bot")
	}
	return bus.InboundMessage{
		MessageID:  id,
		ChatID:     event.str("open_chat_id"),
		SenderID:   event.str("open_id"),
		RawContent: content,
	}, true
}

// EventNormalizer classifies Lark webhook bodies.
type EventNormalizer struct {
	shapes            []shapeMatcher
	encryptKey        string
	verificationToken string
}

func NewEventNormalizer(cfg config.LarkConfig) (*EventNormalizer, error) {
	names := cfg.EventSchemas
	if len(names) == 0 {
		names = config.DefaultConfig().Lark.EventSchemas
	}

	shapes := make([]shapeMatcher, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		key := normalizeSchemaName(name)
		m, ok := knownShapes[key]
		if !ok {
			return nil, fmt.Errorf("unknown lark event schema %q", name)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		shapes = append(shapes, m)
	}

	return &EventNormalizer{
		shapes:            shapes,
		encryptKey:        cfg.EncryptKey,
		verificationToken: cfg.VerificationToken,
	}, nil
}

func normalizeSchemaName(name string) string {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "v")
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Classify inspects a raw webhook body. The only error it returns is
// *MalformedRequestError, for bodies that are not JSON; anything else that is
// not a challenge or a recognised message comes back as EventOther.
func (n *EventNormalizer) Classify(body []byte) (Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return Event{}, &MalformedRequestError{Err: fmt.Errorf("body is not valid JSON (%d bytes)", len(body))}
	}

	var root object
	if err := json.Unmarshal(body, &root); err != nil {
		return other(body, "payload is not a JSON object"), nil
	}

	if encrypted := root.str("encrypt"); encrypted != "" {
		plain, reason := n.decrypt(encrypted)
		if reason != "" {
			return other(body, reason), nil
		}
		root = nil
		if err := json.Unmarshal(plain, &root); err != nil {
			return other(body, "decrypted payload is not a JSON object"), nil
		}
		body = plain
	}

	if n.verificationToken != "" && payloadToken(root) != n.verificationToken {
		return other(body, "verification token mismatch"), nil
	}

	if challenge, ok := root["challenge"]; ok && truthy(challenge) {
		return Event{Kind: EventChallenge, Challenge: challenge, Raw: body}, nil
	}

	event := root.obj("event")
	if event == nil {
		return other(body, "no event"), nil
	}

	for _, shape := range n.shapes {
		msg, ok := shape.match(event)
		if !ok {
			continue
		}
		msg.Channel = larkChannelName
		msg.Schema = shape.schema
		msg.Content = NormalizeText(msg.RawContent, msg.Mentions)
		return Event{Kind: EventMessage, Message: msg, Raw: body}, nil
	}

	return other(body, "event does not match an enabled message schema"), nil
}

func (n *EventNormalizer) decrypt(encrypted string) ([]byte, string) {
	if n.encryptKey == "" {
		return nil, "encrypted event but no encrypt key configured"
	}
	plain, err := larkevent.EventDecrypt(encrypted, n.encryptKey)
	if err != nil {
		return nil, "decrypt event: " + err.Error()
	}
	return plain, ""
}

// payloadToken returns the verification token from either payload layout.
func payloadToken(root object) string {
	if t := root.str("token"); t != "" {
		return t
	}
	if h := root.obj("header"); h != nil {
		return h.str("token")
	}
	return ""
}

// NormalizeText extracts the user text from a message content field and
// removes mention placeholders. The content is tried as a JSON object with a
// text property first; anything that does not decode as an object is used
// as-is.
func NormalizeText(raw string, mentions []string) string {
	text := raw
	var wrapped struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil {
		text = wrapped.Text
	}

	text = selfMentionPattern.ReplaceAllString(text, "")

	// Longest first, so a key that prefixes another cannot leave a tail behind.
	keys := append([]string(nil), mentions...)
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, key := range keys {
		if key != "" {
			text = strings.ReplaceAll(text, key, "")
		}
	}
	return strings.TrimSpace(text)
}

func other(body []byte, reason string) Event {
	return Event{Kind: EventOther, Raw: body, Reason: reason}
}

// truthy mirrors how the platform treats an empty or null challenge: absent.
func truthy(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "false", "0":
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
