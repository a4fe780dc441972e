package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
)

var ErrInvalidSubscription = errors.New("invalid push subscription")

// Subscriptions хранит подписки браузеров (storage.Store).
type Subscriptions interface {
	AddPushSubscription(ctx context.Context, userID int64, endpoint string, raw []byte) error
	RemovePushSubscription(ctx context.Context, userID int64, endpoint string) error
	ListPushSubscriptions(ctx context.Context, userID int64) ([][]byte, error)
}

// Subscription — подписка из браузера (PushSubscription.toJSON()).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s Subscription) valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier шлёт Web Push пользователям, у которых нет живого соединения.
// Без VAPID-ключей подписки сохраняются, но отправка не выполняется.
type Notifier struct {
	subs  Subscriptions
	vapid *webpush.Options
	keys  *VAPIDKeys
	send  func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)
}

func NewNotifier(subs Subscriptions, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{subs: subs, keys: keys, send: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

// PublicKey — публичный VAPID-ключ для фронта (пусто, если пуши отключены).
func (n *Notifier) PublicKey() string {
	if n.keys == nil {
		return ""
	}
	return n.keys.PublicKey
}

func (n *Notifier) Subscribe(ctx context.Context, userID int64, sub Subscription) error {
	if !sub.valid() {
		return ErrInvalidSubscription
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return n.subs.AddPushSubscription(ctx, userID, sub.Endpoint, raw)
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID int64, endpoint string) error {
	if endpoint == "" {
		return ErrInvalidSubscription
	}
	return n.subs.RemovePushSubscription(ctx, userID, endpoint)
}

// Notify рассылает уведомление по всем подпискам пользователя. Ошибки логируются;
// подписки, на которые push-сервис ответил 404/410, удаляются.
func (n *Notifier) Notify(ctx context.Context, userID int64, title, body string, data map[string]string) {
	if n.vapid == nil {
		return
	}
	log := logger.With("push")
	list, err := n.subs.ListPushSubscriptions(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("list subscriptions")
		return
	}
	if len(list) == 0 {
		return
	}
	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		return
	}
	for _, raw := range list {
		var sub Subscription
		if json.Unmarshal(raw, &sub) != nil || !sub.valid() {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		resp, err := n.send(sendCtx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}, n.vapid)
		cancel()
		if err != nil {
			metrics.PushSent.WithLabelValues("error").Inc()
			log.Error().Err(err).Int64("user_id", userID).Msg("send")
			continue
		}
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			metrics.PushSent.WithLabelValues("expired").Inc()
			if err := n.subs.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
				log.Error().Err(err).Int64("user_id", userID).Msg("remove expired subscription")
			}
		case resp.StatusCode >= 300:
			metrics.PushSent.WithLabelValues("rejected").Inc()
			log.Error().Int("status", resp.StatusCode).Int64("user_id", userID).Msg("push service rejected")
		default:
			metrics.PushSent.WithLabelValues("ok").Inc()
		}
	}
}
