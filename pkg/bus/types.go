package bus

type InboundMessage struct {
	Channel       string   `json:"channel"`
	MessageID     string   `json:"message_id"`
	ChatID        string   `json:"chat_id,omitempty"`
	SenderID      string   `json:"sender_id,omitempty"`
	RawContent    string   `json:"raw_content,omitempty"`
	Content       string   `json:"content"`            // mention-stripped, trimmed
	Mentions      []string `json:"mentions,omitempty"` // platform mention keys, e.g. @_user_1
	Schema        string   `json:"schema,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

type OutboundMessage struct {
	Channel       string `json:"channel"`
	MessageID     string `json:"message_id"` // message being replied to
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
