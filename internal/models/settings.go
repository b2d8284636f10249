package models

// AccountSettings настройки аккаунта, которые учитываются при срабатывании событий.
type AccountSettings struct {
	AccountID            int64 `json:"account_id"`
	NotificationsEnabled bool  `json:"notifications_enabled"`
	TelegramChatID       int64 `json:"telegram_chat_id,omitempty"`
	DesktopEnabled       bool  `json:"desktop_enabled"`
}

// DefaultAccountSettings настройки аккаунта, который ничего не сохранял.
func DefaultAccountSettings(accountID int64) *AccountSettings {
	return &AccountSettings{
		AccountID:            accountID,
		NotificationsEnabled: true,
		DesktopEnabled:       true,
	}
}
