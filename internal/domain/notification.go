package domain

// NotificationConfig holds per-channel settings for outcome notifications.
type NotificationConfig struct {
	Enabled  bool
	Telegram TelegramConfig
	WeCom    WeComConfig
	Webhook  WebhookConfig
}

type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   string
}

// WeComConfig is a WeChat Work group robot.
type WeComConfig struct {
	Enabled    bool
	WebhookKey string
}

// WebhookConfig is a generic JSON webhook signed with HMAC-SHA256.
type WebhookConfig struct {
	Enabled bool
	URL     string
	Secret  string
}
