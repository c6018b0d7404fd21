package util

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	type C struct {
		Path     string
		MaxItems int
		Extent   [4]float64
		Timeout  time.Duration
		hidden   int
	}
	t.Run("override from env", func(t *testing.T) {
		t.Setenv("QT_Path", "index.db")
		t.Setenv("QT_MaxItems", "32")
		t.Setenv("QT_Extent", "[0, 0, 10, 10]")
		t.Setenv("QT_Timeout", "2s")
		c := C{MaxItems: 10}
		if err := LoadConfig(&c, "QT_", false); err != nil {
			t.Fatal(err)
		}
		if c.Path != "index.db" || c.MaxItems != 32 || c.Extent != [4]float64{0, 0, 10, 10} || c.Timeout != 2*time.Second {
			t.Fatalf("unexpected config: %#v", c)
		}
	})
	t.Run("keeps defaults", func(t *testing.T) {
		c := C{MaxItems: 10}
		if err := LoadConfig(&c, "QT_UNSET_", false); err != nil || c.MaxItems != 10 {
			t.Fatalf("unexpected config: %#v %v", c, err)
		}
	})
	t.Run("required", func(t *testing.T) {
		c := C{MaxItems: 10}
		if err := LoadConfig(&c, "QT_UNSET_", true); err == nil || !strings.Contains(err.Error(), "QT_UNSET_Path") {
			t.Fatalf("expected missing field error, got %v", err)
		}
	})
	t.Run("bad value", func(t *testing.T) {
		t.Setenv("QT_BAD_MaxItems", "many")
		c := C{}
		if err := LoadConfig(&c, "QT_BAD_", false); err == nil {
			t.Fatal("expected unmarshal error")
		}
	})
}

func TestRetryContext(t *testing.T) {
	errBusy, errFatal := errors.New("busy"), errors.New("fatal")
	t.Run("retries until success", func(t *testing.T) {
		n := 0
		v, err := RetryContext(context.Background(), func(context.Context) (int, error) {
			if n++; n < 3 {
				return 0, errBusy
			}
			return n, nil
		}, nil, 5, time.Millisecond)
		if err != nil || v != 3 {
			t.Fatalf("got %v %v", v, err)
		}
	})
	t.Run("stops on non-retryable error", func(t *testing.T) {
		n := 0
		_, err := RetryContext(context.Background(), func(context.Context) (int, error) {
			n++
			return 0, errFatal
		}, func(err error) bool { return errors.Is(err, errBusy) }, 5, time.Millisecond)
		if !errors.Is(err, errFatal) || n != 1 {
			t.Fatalf("got %v after %d calls", err, n)
		}
	})
	t.Run("gives up", func(t *testing.T) {
		_, err := RetryContext(context.Background(), func(context.Context) (int, error) {
			return 0, errBusy
		}, nil, 2, time.Millisecond)
		if !errors.Is(err, errBusy) || !strings.Contains(err.Error(), "max retries") {
			t.Fatalf("got %v", err)
		}
	})
}
