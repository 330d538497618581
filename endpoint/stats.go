package endpoint

import (
	"context"
	"time"
)

// storeStats is implemented by session stores that can count their entries.
type storeStats interface {
	Stats() (codes, refreshTokens int, ok bool)
}

// ReportStoreStats publishes the session store's entry counts every interval
// until ctx is done. Stores that cannot count are ignored.
func (h *Handler) ReportStoreStats(ctx context.Context, interval time.Duration) error {
	st, ok := h.srv.Sessions().(storeStats)
	if !ok || !h.metrics.Enabled() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if codes, rts, ok := st.Stats(); ok {
			h.metrics.SetStoreEntries("authorization_code", float64(codes))
			h.metrics.SetStoreEntries("refresh_token", float64(rts))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
