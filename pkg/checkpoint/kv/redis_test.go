package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// openRedis starts an in-process miniredis and connects a namespaced store
// to it. The server stops with the test.
func openRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := NewRedis(context.Background(), RedisConfig{Addr: srv.Addr(), Namespace: "test:"})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	return store, srv
}

func TestRedisRequiresAddr(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("NewRedis() without an address succeeded")
	}
}

func TestRedisDefaultNamespace(t *testing.T) {
	srv := miniredis.RunT(t)
	store, err := NewRedis(context.Background(), RedisConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	defer store.Close()

	if err := store.Put(context.Background(), "checkpoints/job-a/000000000000", []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !srv.Exists("tideline:checkpoints/job-a/000000000000") {
		t.Error("value key not stored under the default namespace")
	}
	if !srv.Exists("tideline:__keys__") {
		t.Error("index set not stored under the default namespace")
	}
}

func TestRedisListSkipsExpiredValues(t *testing.T) {
	store, srv := openRedis(t)
	defer store.Close()
	ctx := context.Background()

	keys := []string{
		"checkpoints/job-a/000000000000",
		"checkpoints/job-a/000000000001",
	}
	for _, k := range keys {
		if err := store.Put(ctx, k, []byte("v:"+k)); err != nil {
			t.Fatalf("Put(%s) error = %v", k, err)
		}
	}

	// Expire one value out-of-band; its index member stays behind.
	srv.SetTTL("test:"+keys[0], time.Minute)
	srv.FastForward(2 * time.Minute)

	entries, err := store.List(ctx, "checkpoints/job-a/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Key != keys[1] {
		t.Fatalf("List() after expiry = %+v, want only %s", entries, keys[1])
	}
}

func TestRedisDeleteCleansIndex(t *testing.T) {
	store, srv := openRedis(t)
	defer store.Close()
	ctx := context.Background()

	keys := []string{
		"checkpoints/job-a/000000000000",
		"checkpoints/job-a/000000000001",
		"checkpoints/job-b/000000000000",
	}
	for _, k := range keys {
		if err := store.Put(ctx, k, []byte("v")); err != nil {
			t.Fatalf("Put(%s) error = %v", k, err)
		}
	}

	if err := store.Delete(ctx, "checkpoints/job-a/"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if srv.Exists("test:" + keys[0]) {
		t.Errorf("value key %s survived the prefix delete", keys[0])
	}
	members, err := store.client.ZRangeByLex(ctx, store.indexKey(), &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		t.Fatalf("reading index error = %v", err)
	}
	if len(members) != 1 || members[0] != keys[2] {
		t.Fatalf("index after prefix delete = %v, want only %s", members, keys[2])
	}
}

func TestRedisNamespaceIsolation(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	blue, err := NewRedis(ctx, RedisConfig{Addr: srv.Addr(), Namespace: "blue:"})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	defer blue.Close()
	green, err := NewRedis(ctx, RedisConfig{Addr: srv.Addr(), Namespace: "green:"})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	defer green.Close()

	if err := blue.Put(ctx, "checkpoints/job-a/000000000000", []byte("blue")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	entries, err := green.List(ctx, "checkpoints/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("green namespace sees blue keys: %+v", entries)
	}
	entries, err = blue.List(ctx, "checkpoints/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || string(entries[0].Value) != "blue" {
		t.Fatalf("blue List() = %+v", entries)
	}
}
