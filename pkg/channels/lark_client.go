package channels

import (
	"context"
	"fmt"
	"net/http"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"

	"github.com/sipeed/larkrelay/pkg/config"
	"github.com/sipeed/larkrelay/pkg/logger"
)

// NewLarkClient builds the SDK client used for token issuance and replies.
// The SDK's own token cache is disabled: tokens are supplied per request by
// the credential provider.
func NewLarkClient(cfg config.LarkConfig, httpClient *http.Client) *lark.Client {
	opts := []lark.ClientOptionFunc{
		lark.WithEnableTokenCache(false),
		lark.WithLogger(sdkLogger{}),
		lark.WithLogLevel(sdkLogLevel(logger.GetLevel())),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lark.WithOpenBaseUrl(cfg.BaseURL))
	}
	if t := cfg.Timeout(); t > 0 {
		opts = append(opts, lark.WithReqTimeout(t))
	}
	if httpClient != nil {
		opts = append(opts, lark.WithHttpClient(httpClient))
	}
	return lark.NewClient(cfg.AppID, cfg.AppSecret, opts...)
}

// sdkLogger routes the SDK's internal logging into the relay logger.
type sdkLogger struct{}

func (sdkLogger) Debug(_ context.Context, args ...interface{}) {
	logger.DebugCF("lark-sdk", fmt.Sprint(args...), nil)
}

func (sdkLogger) Info(_ context.Context, args ...interface{}) {
	logger.InfoCF("lark-sdk", fmt.Sprint(args...), nil)
}

func (sdkLogger) Warn(_ context.Context, args ...interface{}) {
	logger.WarnCF("lark-sdk", fmt.Sprint(args...), nil)
}

func (sdkLogger) Error(_ context.Context, args ...interface{}) {
	logger.ErrorCF("lark-sdk", fmt.Sprint(args...), nil)
}

func sdkLogLevel(level logger.LogLevel) larkcore.LogLevel {
	switch level {
	case logger.DEBUG:
		return larkcore.LogLevelDebug
	case logger.INFO:
		return larkcore.LogLevelInfo
	case logger.WARN:
		return larkcore.LogLevelWarn
	default:
		return larkcore.LogLevelError
	}
}
