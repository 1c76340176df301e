package swlredis_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"

	"github.com/jayrapson/redi-limit/internal/scripts"
	swlredis "github.com/jayrapson/redi-limit/internal/slidingwindowlog/redis"
	"github.com/jayrapson/redi-limit/types"
)

const (
	limiterKey = "test_swl"
	identifier = "user789"
	window     = int64(60)
	rate       = int64(3)
	now        = int64(1704110400)
)

func source(t *testing.T) string {
	t.Helper()
	src, err := swlredis.Source()
	if err != nil {
		t.Fatalf("read embedded script: %v", err)
	}
	return src
}

func newBackend(t *testing.T) (*swlredis.Backend, redismock.ClientMock, string) {
	t.Helper()
	src := source(t)
	sha := scripts.Fingerprint(src)

	db, mock := redismock.NewClientMock()
	mock.ExpectScriptLoad(src).SetVal(sha)

	backend, err := swlredis.NewBackend(context.Background(), db, limiterKey)
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	return backend, mock, sha
}

func TestNewBackend(t *testing.T) {
	t.Run("LoadsScript", func(t *testing.T) {
		backend, mock, sha := newBackend(t)
		if backend.Registry().Reference() != sha {
			t.Fatalf("expected reference %s, got %s", sha, backend.Registry().Reference())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("StoreUnreachable", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		storeErr := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
		mock.ExpectScriptLoad(source(t)).SetErr(storeErr)

		if _, err := swlredis.NewBackend(context.Background(), db, limiterKey); !errors.Is(err, storeErr) {
			t.Fatalf("expected the load error to propagate, got %v", err)
		}
	})
}

func TestKeys(t *testing.T) {
	backend, _, _ := newBackend(t)
	if got := backend.WindowKey("abc"); got != "test_swl:abc" {
		t.Fatalf("unexpected window key %s", got)
	}
	if got := backend.BlockKey("abc"); got != "test_swl:abc_limit" {
		t.Fatalf("unexpected block key %s", got)
	}
}

func TestAdmit_SlidingWindowRedis(t *testing.T) {
	ctx := context.Background()
	keys := []string{limiterKey + ":" + identifier, limiterKey + ":" + identifier + "_limit"}

	t.Run("NilReplyIsAllowed", func(t *testing.T) {
		backend, mock, sha := newBackend(t)
		mock.ExpectEvalSha(sha, keys, window, rate, now).SetErr(redis.Nil)

		v, err := backend.Admit(ctx, identifier, window, rate, now)
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
		if v.Restricted() {
			t.Fatalf("expected allowed, got %d", v)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("IntegerReplyIsRestriction", func(t *testing.T) {
		backend, mock, sha := newBackend(t)
		mock.ExpectEvalSha(sha, keys, window, rate, now).SetVal(int64(60))

		v, err := backend.Admit(ctx, identifier, window, rate, now)
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
		if v != types.Verdict(60) {
			t.Fatalf("expected 60, got %d", v)
		}
	})

	t.Run("ReloadsAfterNoScript", func(t *testing.T) {
		backend, mock, sha := newBackend(t)
		mock.ExpectEvalSha(sha, keys, window, rate, now).SetErr(errors.New("NOSCRIPT No matching script. Please use EVAL."))
		mock.ExpectScriptLoad(source(t)).SetVal(sha)
		mock.ExpectEvalSha(sha, keys, window, rate, now).SetErr(redis.Nil)

		v, err := backend.Admit(ctx, identifier, window, rate, now)
		if err != nil {
			t.Fatalf("Admit should recover from NOSCRIPT, got: %v", err)
		}
		if v.Restricted() {
			t.Fatalf("expected allowed, got %d", v)
		}
		if backend.Registry().Reloads() != 1 {
			t.Fatalf("expected one reload, got %d", backend.Registry().Reloads())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("RedisScriptError", func(t *testing.T) {
		backend, mock, sha := newBackend(t)
		redisErr := errors.New("redis script error")
		mock.ExpectEvalSha(sha, keys, window, rate, now).SetErr(redisErr)

		_, err := backend.Admit(ctx, identifier, window, rate, now)
		if !errors.Is(err, redisErr) {
			t.Fatalf("expected wrapped %v, got %v", redisErr, err)
		}
	})

	t.Run("UnexpectedResultType", func(t *testing.T) {
		backend, mock, sha := newBackend(t)
		mock.ExpectEvalSha(sha, keys, window, rate, now).SetVal("not an int64")

		_, err := backend.Admit(ctx, identifier, window, rate, now)
		if err == nil || !strings.Contains(err.Error(), "unexpected result type") {
			t.Fatalf("expected unexpected result type error, got %v", err)
		}
	})
}
