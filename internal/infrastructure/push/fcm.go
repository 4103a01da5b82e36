package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/appleboy/go-fcm"

	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// fcmClient is the slice of the FCM API the sender uses.
type fcmClient interface {
	SendWithContext(ctx context.Context, msg *fcm.Message) (*fcm.Response, error)
}

// FCMSender wakes offline devices through Firebase Cloud Messaging.
// Device ids with a redis:// prefix are loopback devices used in tests
// and self-hosted setups: the message goes out on that fanout channel
// instead of FCM.
type FCMSender struct {
	client fcmClient
	pool   *stream.Pool
	log    logger.Interface
}

func NewFCMSender(apiKey string, pool *stream.Pool, log logger.Interface) (*FCMSender, error) {
	sender := &FCMSender{pool: pool, log: log.Named("fcm")}
	if apiKey != "" {
		client, err := fcm.NewClient(apiKey)
		if err != nil {
			return nil, fmt.Errorf("create fcm client: %w", err)
		}
		sender.client = client
	}
	return sender, nil
}

// NewFCMSenderWithClient builds a sender over a prepared client.
func NewFCMSenderWithClient(client fcmClient, pool *stream.Pool, log logger.Interface) *FCMSender {
	return &FCMSender{client: client, pool: pool, log: log.Named("fcm")}
}

// Available reports whether this sender can reach the device: loopback
// devices always, real tokens only with configured credentials.
func (s *FCMSender) Available(deviceID string) bool {
	return strings.HasPrefix(deviceID, "redis://") || s.client != nil
}

// Send delivers message to the device identified by deviceID.
func (s *FCMSender) Send(ctx context.Context, deviceID string, message json.RawMessage) error {
	if strings.HasPrefix(deviceID, "redis://") {
		addr, err := stream.ParseAddress(deviceID)
		if err != nil {
			return fmt.Errorf("parse loopback device id: %w", err)
		}
		_, err = s.pool.Fanout(addr).Write(ctx, message)
		return err
	}

	if s.client == nil {
		return fmt.Errorf("fcm is not configured")
	}
	resp, err := s.client.SendWithContext(ctx, &fcm.Message{
		To:       deviceID,
		Priority: "high",
		Data: map[string]any{
			"message": string(message),
		},
	})
	if err != nil {
		return fmt.Errorf("send fcm message: %w", err)
	}
	if resp.Failure > 0 {
		for _, result := range resp.Results {
			if result.Error != nil {
				return fmt.Errorf("fcm delivery failed: %w", result.Error)
			}
		}
	}
	return nil
}
