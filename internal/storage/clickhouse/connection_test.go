package clickhouse

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

func TestSplitAddrs(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"localhost:9000", []string{"localhost:9000"}},
		{"ch1:9000, ch2:9000,", []string{"ch1:9000", "ch2:9000"}},
		{" , ", nil},
	}

	for _, tt := range tests {
		if got := splitAddrs(tt.input); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitAddrs(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "ch1:9000,ch2:9000"
	cfg.Database = "workload"

	opts := options(cfg)
	if len(opts.Addr) != 2 || opts.Auth.Database != "workload" {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Compression == nil || opts.Compression.Method != clickhouse.CompressionLZ4 {
		t.Error("expected LZ4 compression")
	}
	if opts.DialTimeout != defaultDialTimeout {
		t.Errorf("expected dial timeout %s, got %s", defaultDialTimeout, opts.DialTimeout)
	}
}

func TestConnect_NoAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = " "

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := Connect(ctx, cfg); err == nil {
		t.Error("expected error without address")
	}
}
