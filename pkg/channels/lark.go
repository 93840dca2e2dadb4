package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"

	"github.com/sipeed/larkrelay/pkg/bus"
	"github.com/sipeed/larkrelay/pkg/config"
	"github.com/sipeed/larkrelay/pkg/logger"
)

// TokenProvider supplies a tenant access token for each outbound call.
type TokenProvider interface {
	FetchAccessToken(ctx context.Context) (string, error)
}

// LarkChannel posts text replies to Lark messages.
type LarkChannel struct {
	config config.LarkConfig
	client *lark.Client
	tokens TokenProvider
}

func NewLarkChannel(cfg config.LarkConfig, client *lark.Client, tokens TokenProvider) *LarkChannel {
	if client == nil {
		client = NewLarkClient(cfg, nil)
	}
	return &LarkChannel{
		config: cfg,
		client: client,
		tokens: tokens,
	}
}

func (c *LarkChannel) Name() string {
	return larkChannelName
}

type replyResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Send replies to msg.MessageID with msg.Content as a plain text message.
// The reply carries a uuid derived from the original message id so that a
// redelivered event cannot produce a second reply.
func (c *LarkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.MessageID == "" {
		return &DispatchError{Err: fmt.Errorf("no message id to reply to")}
	}

	token, err := c.tokens.FetchAccessToken(ctx)
	if err != nil {
		return &DispatchError{MessageID: msg.MessageID, Err: err}
	}

	body, err := replyBody(msg)
	if err != nil {
		return &DispatchError{MessageID: msg.MessageID, Err: err}
	}

	resp, err := c.client.Post(ctx, replyPath(msg.MessageID), body,
		larkcore.AccessTokenTypeTenant, larkcore.WithTenantAccessToken(token))
	if err != nil {
		return &DispatchError{MessageID: msg.MessageID, Err: err}
	}

	logID := resp.Header.Get("X-Tt-Logid")
	var out replyResponse
	if err := json.Unmarshal(resp.RawBody, &out); err != nil {
		return &DispatchError{
			MessageID: msg.MessageID,
			Status:    resp.StatusCode,
			LogID:     logID,
			Err:       fmt.Errorf("decode reply response (status %d): %w", resp.StatusCode, err),
		}
	}
	if resp.StatusCode != http.StatusOK || out.Code != 0 {
		return &DispatchError{
			MessageID: msg.MessageID,
			Status:    resp.StatusCode,
			Code:      out.Code,
			Msg:       out.Msg,
			LogID:     logID,
		}
	}

	logger.DebugCF("lark", "Reply delivered", map[string]interface{}{
		"message_id":     msg.MessageID,
		"correlation_id": msg.CorrelationID,
		"log_id":         logID,
	})
	return nil
}

func replyPath(messageID string) string {
	return "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reply"
}

// replyBody builds the text reply payload. Lark expects content to be a
// JSON string that itself encodes {"text": ...}.
func replyBody(msg bus.OutboundMessage) (map[string]interface{}, error) {
	content, err := json.Marshal(map[string]string{"text": msg.Content})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"msg_type": "text",
		"content":  string(content),
		"uuid":     ReplyUUID(msg.MessageID),
	}, nil
}

// ReplyUUID is the idempotency key for the reply to messageID.
func ReplyUUID(messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.TrimSpace(messageID))).String()
}
