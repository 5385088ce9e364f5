package invalidation

import (
	"context"

	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/relay"
)

// Publisher is the relay as seen by the notifier.
type Publisher interface {
	Publish(ctx context.Context, targets []domain.UserID, keys []string) relay.Delivery
}

// Notifier is called by business handlers after a change has committed. None of
// its methods fail: delivery is best effort and degrades to this process.
type Notifier struct {
	pub Publisher
}

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// BookingChange names the two sides of a booking. Either may be domain.NoUser.
type BookingChange struct {
	CustomerID domain.UserID
	ProviderID domain.UserID
}

// OrderChange names the two sides of an order and the order itself. Any field
// may be zero.
type OrderChange struct {
	CustomerID domain.UserID
	ShopID     domain.UserID
	OrderID    int64
}

// Invalidate publishes raw keys to targets.
func (n *Notifier) Invalidate(ctx context.Context, targets []domain.UserID, keys []string) relay.Delivery {
	return n.pub.Publish(ctx, targets, keys)
}

func (n *Notifier) NotifyNotificationChange(ctx context.Context, userID domain.UserID) {
	n.toUser(ctx, userID, NotificationKeys)
}

func (n *Notifier) NotifyBookingChange(ctx context.Context, change BookingChange) {
	n.toUser(ctx, change.CustomerID, CustomerBookingKeys)
	if change.ProviderID.Valid() {
		n.toUser(ctx, change.ProviderID, ProviderBookingKeys)
		n.NotifyNotificationChange(ctx, change.ProviderID)
	}
}

func (n *Notifier) NotifyCartChange(ctx context.Context, userID domain.UserID) {
	n.toUser(ctx, userID, CartKeys)
}

func (n *Notifier) NotifyWishlistChange(ctx context.Context, userID domain.UserID) {
	n.toUser(ctx, userID, WishlistKeys)
}

// NotifyOrderChange sends each present side its order list keys, extended with
// the order's own keys when OrderID is set.
func (n *Notifier) NotifyOrderChange(ctx context.Context, change OrderChange) {
	detail := OrderDetailKeys(change.OrderID)
	n.toUser(ctx, change.CustomerID, with(CustomerOrderKeys, detail...))
	n.toUser(ctx, change.ShopID, with(ShopOrderKeys, detail...))
}

func (n *Notifier) toUser(ctx context.Context, userID domain.UserID, keys []string) {
	if !userID.Valid() {
		return
	}
	n.pub.Publish(ctx, []domain.UserID{userID}, keys)
}
