package scripts_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"

	"github.com/jayrapson/redi-limit/internal/scripts"
)

const testSource = "return redis.call('GET', KEYS[1])"

var noScriptErr = errors.New("NOSCRIPT No matching script. Please use EVAL.")

func testFS() fstest.MapFS {
	return fstest.MapFS{"get.lua": &fstest.MapFile{Data: []byte(testSource)}}
}

func TestFingerprint(t *testing.T) {
	// sha1 of the empty string
	if got := scripts.Fingerprint(""); got != "da39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Fatalf("unexpected fingerprint for empty source: %s", got)
	}
	if scripts.Fingerprint(testSource) != scripts.Fingerprint(testSource) {
		t.Fatal("fingerprint must be deterministic")
	}
	if scripts.Fingerprint(testSource) == scripts.Fingerprint(testSource+" ") {
		t.Fatal("different sources must not share a fingerprint")
	}
}

func TestIsNoScript(t *testing.T) {
	if scripts.IsNoScript(nil) {
		t.Fatal("nil is not a NOSCRIPT error")
	}
	if !scripts.IsNoScript(noScriptErr) {
		t.Fatal("expected NOSCRIPT reply to be detected")
	}
	if !scripts.IsNoScript(scripts.ErrNoScript) {
		t.Fatal("expected ErrNoScript to be detected")
	}
	if scripts.IsNoScript(redis.Nil) {
		t.Fatal("redis.Nil is not a NOSCRIPT error")
	}
	if scripts.IsNoScript(errors.New("ERR connection refused")) {
		t.Fatal("generic errors are not NOSCRIPT errors")
	}
}

func TestEnsureLoaded(t *testing.T) {
	ctx := context.Background()
	sha := scripts.Fingerprint(testSource)

	t.Run("Success", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")

		mock.ExpectScriptLoad(testSource).SetVal(sha)

		got, err := reg.EnsureLoaded(ctx)
		if err != nil {
			t.Fatalf("EnsureLoaded failed: %v", err)
		}
		if got != sha || reg.Reference() != sha {
			t.Fatalf("expected reference %s, got %s (stored %s)", sha, got, reg.Reference())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("MissingSource", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "missing.lua")

		if _, err := reg.EnsureLoaded(ctx); err == nil {
			t.Fatal("expected an error for a missing script source")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("StoreUnreachable", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")
		storeErr := errors.New("dial tcp: connection refused")

		mock.ExpectScriptLoad(testSource).SetErr(storeErr)

		_, err := reg.EnsureLoaded(ctx)
		if !errors.Is(err, storeErr) {
			t.Fatalf("expected wrapped store error, got %v", err)
		}
		if reg.Reference() != "" {
			t.Fatal("reference must stay empty after a failed load")
		}
	})

	t.Run("FingerprintMismatch", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")

		mock.ExpectScriptLoad(testSource).SetVal("0000000000000000000000000000000000000000")

		_, err := reg.EnsureLoaded(ctx)
		if !errors.Is(err, scripts.ErrFingerprintMismatch) {
			t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
		}
	})
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	sha := scripts.Fingerprint(testSource)
	keys := []string{"some_key"}

	t.Run("LoadsOnFirstUse", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")

		mock.ExpectScriptLoad(testSource).SetVal(sha)
		mock.ExpectEvalSha(sha, keys, int64(1)).SetVal(int64(7))

		got, err := reg.Invoke(ctx, keys, int64(1))
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if got != int64(7) {
			t.Fatalf("expected 7, got %v", got)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("ReloadsOnceAfterNoScript", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")

		mock.ExpectScriptLoad(testSource).SetVal(sha)
		mock.ExpectEvalSha(sha, keys, int64(1)).SetErr(noScriptErr)
		mock.ExpectScriptLoad(testSource).SetVal(sha)
		mock.ExpectEvalSha(sha, keys, int64(1)).SetVal(int64(3))

		if _, err := reg.EnsureLoaded(ctx); err != nil {
			t.Fatalf("EnsureLoaded failed: %v", err)
		}
		got, err := reg.Invoke(ctx, keys, int64(1))
		if err != nil {
			t.Fatalf("Invoke should recover from NOSCRIPT, got: %v", err)
		}
		if got != int64(3) {
			t.Fatalf("expected 3, got %v", got)
		}
		if reg.Reloads() != 1 {
			t.Fatalf("expected 1 reload, got %d", reg.Reloads())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("SecondNoScriptSurfaces", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")

		mock.ExpectScriptLoad(testSource).SetVal(sha)
		mock.ExpectEvalSha(sha, keys).SetErr(noScriptErr)
		mock.ExpectScriptLoad(testSource).SetVal(sha)
		mock.ExpectEvalSha(sha, keys).SetErr(noScriptErr)

		_, err := reg.Invoke(ctx, keys)
		if !scripts.IsNoScript(err) {
			t.Fatalf("expected the second NOSCRIPT to surface, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("ReloadFailureSurfaces", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")
		storeErr := errors.New("dial tcp: connection refused")

		mock.ExpectScriptLoad(testSource).SetVal(sha)
		mock.ExpectEvalSha(sha, keys).SetErr(noScriptErr)
		mock.ExpectScriptLoad(testSource).SetErr(storeErr)

		_, err := reg.Invoke(ctx, keys)
		if !errors.Is(err, storeErr) {
			t.Fatalf("expected reload error, got %v", err)
		}
	})

	t.Run("OtherErrorsPropagateUnchanged", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")
		scriptErr := errors.New("ERR Error running script")

		mock.ExpectScriptLoad(testSource).SetVal(sha)
		mock.ExpectEvalSha(sha, keys).SetErr(scriptErr)

		_, err := reg.Invoke(ctx, keys)
		if err == nil || !strings.Contains(err.Error(), scriptErr.Error()) {
			t.Fatalf("expected %v, got %v", scriptErr, err)
		}
		if reg.Reloads() != 0 {
			t.Fatalf("non-NOSCRIPT errors must not trigger a reload, got %d", reg.Reloads())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Redis mock expectations not met: %s", err)
		}
	})

	t.Run("NilReplyPassesThrough", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		reg := scripts.NewRegistry(db, testFS(), "get.lua")

		mock.ExpectScriptLoad(testSource).SetVal(sha)
		mock.ExpectEvalSha(sha, keys).SetErr(redis.Nil)

		_, err := reg.Invoke(ctx, keys)
		if !errors.Is(err, redis.Nil) {
			t.Fatalf("expected redis.Nil, got %v", err)
		}
	})
}
