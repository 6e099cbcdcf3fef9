package feishu

import (
	"errors"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
)

// Config holds the Feishu app credentials.
type Config struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	// BaseURL selects the open platform domain; empty means Feishu (China).
	BaseURL string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.AppID) == "" || strings.TrimSpace(c.AppSecret) == "" {
		return errors.New("feishu app_id and app_secret are required")
	}
	return nil
}

func (c Config) openBaseURL() string {
	switch strings.ToLower(strings.TrimSpace(c.BaseURL)) {
	case "", "feishu":
		return lark.FeishuBaseUrl
	case "lark":
		return lark.LarkBaseUrl
	default:
		return strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	}
}
