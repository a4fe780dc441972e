package handler

import (
	"net/http"
)

// ConfigHandler отдаёт публичные параметры для клиента (без авторизации).
type ConfigHandler struct {
	vapidPublicKey string
}

func NewConfigHandler(vapidPublicKey string) *ConfigHandler {
	return &ConfigHandler{vapidPublicKey: vapidPublicKey}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.vapidPublicKey,
	})
}
