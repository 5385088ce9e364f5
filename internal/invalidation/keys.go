// Package invalidation translates domain changes into resource keys and the
// users whose cached copies of them are now stale.
package invalidation

import "strconv"

// Key sets are the query paths a client re-fetches when it receives them.
var (
	NotificationKeys = []string{
		"/api/notifications",
		"/api/notifications/unread-count",
	}

	CustomerBookingKeys = []string{
		"/api/bookings",
		"/api/bookings/customer",
	}

	ProviderBookingKeys = []string{
		"/api/bookings",
		"/api/bookings/provider",
		"/api/provider/dashboard",
	}

	CartKeys = []string{
		"/api/cart",
		"/api/cart/count",
	}

	WishlistKeys = []string{
		"/api/wishlist",
	}

	CustomerOrderKeys = []string{
		"/api/orders",
		"/api/orders/customer",
	}

	ShopOrderKeys = []string{
		"/api/orders",
		"/api/orders/shop",
		"/api/shop/dashboard",
	}
)

// OrderDetailKeys returns the per-order keys, or nil when orderID is absent.
func OrderDetailKeys(orderID int64) []string {
	if orderID <= 0 {
		return nil
	}
	base := "/api/orders/" + strconv.FormatInt(orderID, 10)
	return []string{base, base + "/timeline"}
}

func with(set []string, extra ...string) []string {
	out := make([]string, 0, len(set)+len(extra))
	out = append(out, set...)
	return append(out, extra...)
}
