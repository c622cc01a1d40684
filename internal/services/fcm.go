package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMService pushes scheduling events to collector devices through
// Firebase Cloud Messaging. Devices subscribe to the topic collector-<id>.
type FCMService struct {
	client *messaging.Client
}

// NewFCMService creates a new FCM service instance from a credentials file
func NewFCMService(credentialsFile string) (*FCMService, error) {
	return newFCMService(option.WithCredentialsFile(credentialsFile))
}

// NewFCMServiceFromBase64 creates a new FCM service instance from base64-encoded credentials
// This is useful for cloud deployments where you can't upload files easily
func NewFCMServiceFromBase64(credentialsBase64 string) (*FCMService, error) {
	credentialsJSON, err := base64.StdEncoding.DecodeString(credentialsBase64)
	if err != nil {
		return nil, fmt.Errorf("error decoding base64 credentials: %w", err)
	}
	return newFCMService(option.WithCredentialsJSON(credentialsJSON))
}

func newFCMService(opt option.ClientOption) (*FCMService, error) {
	ctx := context.Background()

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return &FCMService{client: client}, nil
}

// CollectorTopic is the FCM topic a collector's devices subscribe to
func CollectorTopic(collectorID string) string {
	return "collector-" + collectorID
}

// Notify implements Notifier. Events without a collector are not pushed.
func (s *FCMService) Notify(ctx context.Context, event Event) error {
	if event.CollectorID == "" {
		return nil
	}

	title, body := pushText(event)
	message := &messaging.Message{
		Topic: CollectorTopic(event.CollectorID),
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: pushData(event),
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
				},
			},
		},
	}

	response, err := s.client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending FCM message: %w", err)
	}

	log.Printf("✅ FCM notification sent successfully: %s", response)
	return nil
}

func pushText(event Event) (string, string) {
	switch event.Type {
	case EventScheduleCreated:
		return "New Collection Scheduled", fmt.Sprintf("Bin %v needs a pickup.", event.Data["bin_id"])
	case EventScheduleEscalated:
		return "Collection Moved Earlier", fmt.Sprintf("Bin %v is now priority %v.", event.Data["bin_id"], event.Data["priority"])
	case EventRouteAssigned:
		return "New Route Assigned!", fmt.Sprintf("You have %v bins to collect. Slide to start your route.", event.Data["total_bins"])
	case EventRouteCompleted:
		return "Route Completed", "Nice work, every stop is done."
	}
	return "Update", string(event.Type)
}

// pushData flattens the payload; FCM data values must be strings
func pushData(event Event) map[string]string {
	data := map[string]string{"type": string(event.Type)}
	for k, v := range event.Data {
		data[k] = fmt.Sprint(v)
	}
	return data
}
