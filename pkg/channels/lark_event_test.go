package channels

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/sipeed/larkrelay/pkg/config"
)

func newNormalizer(t *testing.T, cfg config.LarkConfig) *EventNormalizer {
	t.Helper()
	n, err := NewEventNormalizer(cfg)
	if err != nil {
		t.Fatalf("NewEventNormalizer: %v", err)
	}
	return n
}

func TestClassifyChallenge(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	ev, err := n.Classify([]byte(`{"challenge":"abc123","token":"x","type":"url_verification"}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Kind != EventChallenge {
		t.Fatalf("kind = %v, want challenge", ev.Kind)
	}
	if string(ev.Challenge) != `"abc123"` {
		t.Fatalf("challenge = %s", ev.Challenge)
	}
}

func TestClassifyChallengeKeepsNonStringValue(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	ev, err := n.Classify([]byte(`{"challenge":42}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Kind != EventChallenge || string(ev.Challenge) != "42" {
		t.Fatalf("got kind=%v challenge=%s", ev.Kind, ev.Challenge)
	}
}

func TestClassifyEmptyChallengeIsNotChallenge(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	for _, body := range []string{`{"challenge":""}`, `{"challenge":null}`, `{"challenge":false}`} {
		ev, err := n.Classify([]byte(body))
		if err != nil {
			t.Fatalf("Classify(%s): %v", body, err)
		}
		if ev.Kind != EventOther {
			t.Fatalf("Classify(%s) kind = %v, want other", body, ev.Kind)
		}
	}
}

func TestClassifyMessageV2(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	body := `{"schema":"2.0","header":{"event_type":"im.message.receive_v1"},
		"event":{"sender":{"sender_id":{"open_id":"ou_1"}},
		"message":{"message_id":"om_1","chat_id":"oc_1","content":"{\"text\":\"@_user_1 hello\"}",
		"mentions":[{"key":"@_user_1","name":"bot"}]}}}`

	ev, err := n.Classify([]byte(body))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Kind != EventMessage {
		t.Fatalf("kind = %v (%s)", ev.Kind, ev.Reason)
	}
	msg := ev.Message
	if msg.MessageID != "om_1" || msg.ChatID != "oc_1" || msg.SenderID != "ou_1" {
		t.Fatalf("unexpected message fields: %+v", msg)
	}
	if msg.Content != "hello" {
		t.Fatalf("content = %q, want hello", msg.Content)
	}
	if msg.Schema != "2.0" || msg.Channel != "lark" {
		t.Fatalf("schema/channel = %q/%q", msg.Schema, msg.Channel)
	}
}

func TestClassifyMessageV2OpenMessageID(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{EventSchemas: config.FlexibleStringSlice{"2.0"}})

	body := `{"event":{"message":{"open_message_id":"om_open","chat_id":"oc_2","content":"{\"text\":\"hey\"}"}}}`

	ev, err := n.Classify([]byte(body))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Kind != EventMessage {
		t.Fatalf("kind = %v (%s)", ev.Kind, ev.Reason)
	}
	if ev.Message.MessageID != "om_open" || ev.Message.Content != "hey" || ev.Message.Schema != "2.0" {
		t.Fatalf("unexpected message: %+v", ev.Message)
	}
}

func TestClassifyStripsPrefixMentions(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	body := `{"event":{"message":{"message_id":"om_1","content":"{\"text\":\"@_user_12 hello\"}",
		"mentions":[{"key":"@_user_1"},{"key":"@_user_12"}]}}}`

	ev, err := n.Classify([]byte(body))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Message.Content != "hello" {
		t.Fatalf("content = %q, want hello", ev.Message.Content)
	}
}

func TestClassifyMessageV1(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	body := `{"uuid":"u","token":"t","type":"event_callback",
		"event":{"type":"message","open_message_id":"om_legacy","open_chat_id":"oc_9","open_id":"ou_9",
		"text":"@_user_1 hi there","text_without_at_bot":" hi there "}}`

	ev, err := n.Classify([]byte(body))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Kind != EventMessage {
		t.Fatalf("kind = %v (%s)", ev.Kind, ev.Reason)
	}
	if ev.Message.MessageID != "om_legacy" || ev.Message.Content != "hi there" || ev.Message.Schema != "1.0" {
		t.Fatalf("unexpected message: %+v", ev.Message)
	}
}

func TestClassifyRespectsEnabledSchemas(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{EventSchemas: config.FlexibleStringSlice{"2.0"}})

	ev, err := n.Classify([]byte(`{"event":{"open_message_id":"om_legacy","text":"hi"}}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Kind != EventOther {
		t.Fatalf("legacy shape should be ignored when only 2.0 is enabled, got %v", ev.Kind)
	}
}

func TestNewEventNormalizerRejectsUnknownSchema(t *testing.T) {
	if _, err := NewEventNormalizer(config.LarkConfig{EventSchemas: config.FlexibleStringSlice{"3.0"}}); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}

func TestClassifyOther(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	cases := []string{
		``,
		`{}`,
		`[]`,
		`"text"`,
		`{"event":{}}`,
		`{"event":{"message":{"content":"{\"text\":\"no id\"}"}}}`,
		`{"event":"not an object"}`,
	}
	for _, body := range cases {
		ev, err := n.Classify([]byte(body))
		if err != nil {
			t.Fatalf("Classify(%q): %v", body, err)
		}
		if ev.Kind != EventOther {
			t.Fatalf("Classify(%q) kind = %v, want other", body, ev.Kind)
		}
	}
}

func TestClassifyMalformed(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	_, err := n.Classify([]byte(`{"event":`))
	var malformed *MalformedRequestError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedRequestError, got %v", err)
	}
}

func TestClassifyVerificationToken(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{VerificationToken: "secret"})

	ev, _ := n.Classify([]byte(`{"token":"wrong","challenge":"c"}`))
	if ev.Kind != EventOther {
		t.Fatalf("mismatched token should be other, got %v", ev.Kind)
	}

	ev, _ = n.Classify([]byte(`{"token":"secret","challenge":"c"}`))
	if ev.Kind != EventChallenge {
		t.Fatalf("matching token should pass, got %v", ev.Kind)
	}

	ev, _ = n.Classify([]byte(`{"header":{"token":"secret"},"event":{"message":{"message_id":"om_2","content":"{\"text\":\"x\"}"}}}`))
	if ev.Kind != EventMessage {
		t.Fatalf("header token should pass, got %v", ev.Kind)
	}
}

func encryptForTest(t *testing.T, key, plain string) string {
	t.Helper()
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	data := append([]byte(plain), bytes.Repeat([]byte{byte(pad)}, pad)...)
	iv := bytes.Repeat([]byte{7}, aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return base64.StdEncoding.EncodeToString(append(iv, out...))
}

func TestClassifyEncrypted(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{EncryptKey: "k3y"})

	enc := encryptForTest(t, "k3y", `{"challenge":"from-cipher"}`)
	ev, err := n.Classify([]byte(`{"encrypt":"` + enc + `"}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Kind != EventChallenge || string(ev.Challenge) != `"from-cipher"` {
		t.Fatalf("got kind=%v challenge=%s", ev.Kind, ev.Challenge)
	}
}

func TestClassifyEncryptedWithoutKey(t *testing.T) {
	n := newNormalizer(t, config.LarkConfig{})

	ev, err := n.Classify([]byte(`{"encrypt":"AAAA"}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ev.Kind != EventOther {
		t.Fatalf("kind = %v, want other", ev.Kind)
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		mentions []string
		want     string
	}{
		{name: "wrapped", raw: `{"text":"hello"}`, want: "hello"},
		{name: "mention placeholder", raw: `{"text":"@_user_1  hi @_user_22"}`, want: "hi"},
		{name: "payload mention key", raw: `{"text":"@_all ping"}`, mentions: []string{"@_all"}, want: "ping"},
		{name: "prefix mention keys", raw: `{"text":"@_user_12 hello"}`, mentions: []string{"@_user_1", "@_user_12"}, want: "hello"},
		{name: "prefix custom keys", raw: `{"text":"@_bot_ab hi @_bot_a"}`, mentions: []string{"@_bot_a", "@_bot_ab"}, want: "hi"},
		{name: "raw text", raw: "plain words", want: "plain words"},
		{name: "object without text", raw: `{"image_key":"img_1"}`, want: ""},
		{name: "only mention", raw: `{"text":"@_user_1"}`, want: ""},
		{name: "empty", raw: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.raw, tt.mentions); got != tt.want {
				t.Fatalf("NormalizeText(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
