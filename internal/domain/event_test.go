package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents(t *testing.T) {
	tests := []struct {
		event Event
		name  EventName
		data  string
	}{
		{Connected{}, EventConnected, `{"connected":true}`},
		{Heartbeat{}, EventHeartbeat, `{}`},
		{Invalidate{Keys: []string{"/api/bookings"}}, EventInvalidate, `{"keys":["/api/bookings"]}`},
		{Invalidate{}, EventInvalidate, `{"keys":[]}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			assert.Equal(t, tt.name, tt.event.Name())
			data, err := tt.event.Data()
			require.NoError(t, err)
			assert.JSONEq(t, tt.data, string(data))
		})
	}
}
