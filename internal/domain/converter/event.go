package converter

import (
	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/source"
)

func ToNotificationFromSource(event source.Event) models.Notification {
	return models.Notification{
		ID:        event.ID,
		Camera:    event.Camera,
		StartTime: event.StartTime,
		EndTime:   event.EndTime,
		HasClip:   event.HasClip,
	}
}

func ToNotificationsFromSource(events []source.Event) []models.Notification {
	notifications := make([]models.Notification, len(events))
	for i, event := range events {
		notifications[i] = ToNotificationFromSource(event)
	}

	return notifications
}
