package feed

import (
	"context"
	"fmt"

	"github.com/familybook/familybook/internal/models"
)

// UpdateNotifications stores viewer's email preferences and returns them.
func (s *Service) UpdateNotifications(ctx context.Context, viewer *models.User, req models.NotificationsRequest) (models.Notifications, error) {
	n, ok := req.Resolve()
	if !ok {
		return models.Notifications{}, fmt.Errorf("%w: unknown level %q", ErrInvalid, req.Level)
	}
	if err := s.repo.SetUserNotifications(ctx, viewer.ID, n); err != nil {
		return models.Notifications{}, notFound(err, "user")
	}
	viewer.Notifications = n
	return n, nil
}
