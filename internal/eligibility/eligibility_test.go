package eligibility

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestIsEligible(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mr.SAdd("fund:eligible-assets", "USDC", "WETH")

	src := NewRedisSource(client)
	ctx := context.Background()

	ok, err := src.IsEligible(ctx, "USDC")
	if err != nil || !ok {
		t.Fatalf("USDC should be eligible, got %v %v", ok, err)
	}
	ok, err = src.IsEligible(ctx, "SCAMCOIN")
	if err != nil || ok {
		t.Fatalf("unknown asset should be ineligible, got %v %v", ok, err)
	}
}

func TestIsEligible_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	src := NewRedisSource(client)
	if _, err := src.IsEligible(context.Background(), "USDC"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
