package rfc9211

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		name string
		cs   CacheStatus
		want string
	}{
		{"empty", CacheStatus{}, "OfflineCache"},
		{"hit", CacheStatus{Status: StatusHit}, "OfflineCache; hit"},
		{"stored", CacheStatus{Status: StatusFwd, FwdReason: FwdReasonUriMiss, Stored: true}, "OfflineCache; fwd=uri-miss; stored"},
		{"detail", CacheStatus{Status: StatusFwd, FwdReason: FwdReasonBypass, Detail: "excluded"}, "OfflineCache; fwd=bypass; detail=excluded"},
		{"no reason", CacheStatus{Status: StatusFwd}, "OfflineCache; fwd=miss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cs.String())
		})
	}
}

func TestHitClearsReason(t *testing.T) {
	var cs CacheStatus
	cs.Forward(FwdReasonStale)
	cs.Hit()
	assert.Equal(t, CacheStatus{Status: StatusHit}, cs)
}
