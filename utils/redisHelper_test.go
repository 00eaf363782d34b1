package utils

import (
	"testing"
	"time"
)

func TestCacheTTL(t *testing.T) {
	t.Setenv("CACHE_LIFESPAN", "")
	t.Setenv("ACTOR_CACHE_SECONDS", "")
	cases := map[string]time.Duration{
		"Standard":  time.Hour,
		"Item":      time.Hour,
		"ActorRole": time.Minute,
		"Plant":     0,
	}
	for name, want := range cases {
		if got := cacheTTL(name); got != want {
			t.Errorf("cacheTTL(%s) = %v, want %v", name, got, want)
		}
	}

	t.Setenv("ACTOR_CACHE_SECONDS", "5")
	if got := cacheTTL("ActorRole"); got != 5*time.Second {
		t.Fatalf("cacheTTL(ActorRole) = %v, want 5s", got)
	}
	t.Setenv("ACTOR_CACHE_SECONDS", "-1")
	if got := cacheTTL("ActorRole"); got != time.Minute {
		t.Fatalf("negative ACTOR_CACHE_SECONDS gave %v", got)
	}
}
