package notify

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis"
	"wuyrush.io/snap/common/logging"
	cst "wuyrush.io/snap/constants"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/metrics"
	md "wuyrush.io/snap/models"
)

// relayMessage is what travels on the Redis channel between writers and readers
type relayMessage struct {
	RecipientID string          `json:"recipientId"`
	Snap        *md.SnapSummary `json:"snap"`
}

// RedisPublisher is the Notifier used by processes which hold no push connection themselves. It publishes
// notifications to the readers via Redis Pub/Sub; nothing is queued for readers not subscribed
type RedisPublisher struct {
	DB *redis.Client
}

func (p *RedisPublisher) Notify(ctx context.Context, recipientID string, s *md.SnapSummary) *se.Err {
	b, err := json.Marshal(relayMessage{RecipientID: recipientID, Snap: s})
	if err != nil {
		return se.NewServiceFailure("error marshalling notification").WithCause(err)
	}
	n, err := p.DB.WithContext(ctx).Publish(cst.ChannelSnapNotifications, b).Result()
	if err != nil {
		metrics.Notifications.WithLabelValues(metrics.OutcomeFailed).Inc()
		logging.WithFuncName().WithField("userID", recipientID).WithError(err).Error("error publishing notification")
		return se.NewDependencyFailure("error publishing notification").WithCause(err)
	}
	if n == 0 {
		metrics.Notifications.WithLabelValues(metrics.OutcomeDropped).Inc()
	}
	return nil
}

// Relay subscribes the hub to notifications published by RedisPublisher. It returns once the subscription
// is confirmed, relaying in background until ctx is done
func (h *Hub) Relay(ctx context.Context, db *redis.Client) *se.Err {
	clog := logging.WithFuncName()
	ps := db.Subscribe(cst.ChannelSnapNotifications)
	if _, err := ps.Receive(); err != nil {
		ps.Close()
		clog.WithError(err).Error("error subscribing to notifications")
		return se.NewDependencyFailure("error subscribing to notifications").WithCause(err)
	}
	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var rm relayMessage
				if err := json.Unmarshal([]byte(m.Payload), &rm); err != nil || rm.Snap == nil {
					clog.WithError(err).WithField("payload", m.Payload).Error("dropping malformed notification")
					continue
				}
				h.Notify(ctx, rm.RecipientID, rm.Snap)
			}
		}
	}()
	return nil
}
