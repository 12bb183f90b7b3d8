package cli

import (
	"testing"
	"time"

	"taxledger/internal/config"
	"taxledger/internal/log"
	"taxledger/internal/realtime"
)

func TestSyncConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want realtime.ReconnectPolicy
	}{
		{
			name: "none",
			cfg:  config.Config{SyncReconnect: "none", SyncFetchTimeout: 5 * time.Second},
			want: realtime.NoReconnect{},
		},
		{
			name: "backoff",
			cfg: config.Config{
				SyncReconnect:         "backoff",
				SyncReconnectBase:     time.Second,
				SyncReconnectMax:      time.Minute,
				SyncReconnectAttempts: 3,
			},
			want: realtime.BackoffReconnect{Base: time.Second, Max: time.Minute, Attempts: 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SyncConfig(&tt.cfg, log.Discard())
			if got.Reconnect != tt.want {
				t.Errorf("Reconnect = %#v, want %#v", got.Reconnect, tt.want)
			}
			if got.FetchTimeout != tt.cfg.SyncFetchTimeout {
				t.Errorf("FetchTimeout = %v, want %v", got.FetchTimeout, tt.cfg.SyncFetchTimeout)
			}
		})
	}
}

func TestLedgerOptions(t *testing.T) {
	opts := LedgerOptions(&config.Config{LedgerConcurrency: "version-checked"}, log.Discard())
	if len(opts) != 2 {
		t.Fatalf("got %d options, want 2", len(opts))
	}
}
