package repo

import (
	"testing"
	"time"
)

import (
	"github.com/halverin/gatekeep/internal/config"
)

func TestKeyTemplates(t *testing.T) {
	r := &RedisRepo{Prefix: "gatekeep"}
	if got := r.KeyCounter("ip:1.2.3.4:GET:/v1/orders"); got != "gatekeep:counter:ip:1.2.3.4:GET:/v1/orders" {
		t.Fatalf("KeyCounter = %s", got)
	}
	if got := r.KeyStreak("ip:1.2.3.4:GET:/v1/orders"); got != "gatekeep:streak:ip:1.2.3.4:GET:/v1/orders" {
		t.Fatalf("KeyStreak = %s", got)
	}
	if got := r.KeyExceeded("ip:1.2.3.4:GET:/v1/orders"); got != "gatekeep:exceeded:ip:1.2.3.4:GET:/v1/orders" {
		t.Fatalf("KeyExceeded = %s", got)
	}
	if got := r.KeyAPIKey("key-1"); got != "gatekeep:apikeys:key-1" {
		t.Fatalf("KeyAPIKey = %s", got)
	}
	if got := r.KeyAPIKeyConfig("key-1"); got != "gatekeep:apikeys:config:key-1" {
		t.Fatalf("KeyAPIKeyConfig = %s", got)
	}
}

func TestNewRedisRequiresAddr(t *testing.T) {
	if _, err := NewRedis(config.RedisCfg{}, nil); err == nil {
		t.Fatal("expected error for missing addr")
	}
}

func TestDurationOrDefault(t *testing.T) {
	if got := durationOrDefault(0, 800); got != 800*time.Millisecond {
		t.Fatalf("default not applied: %v", got)
	}
	if got := durationOrDefault(250, 800); got != 250*time.Millisecond {
		t.Fatalf("explicit value ignored: %v", got)
	}
}
