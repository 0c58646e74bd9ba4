package workerpresentation

import (
	"context"
	"errors"
	"testing"

	domoutbox "github.com/kuldeep-zigg/wendor-placement/internal/domain/outbox"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/observability/zaplogger"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithEventContextInjectsEventLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zaplogger.New(zap.New(core))

	handler := WithEventContext(base, "vend_monitor")(func(ctx context.Context, _ domoutbox.Event) error {
		logctx.From(ctx).Info("handled")
		return nil
	})

	msg := vend.Message{Type: vend.TypeComplete, CycleID: "cycle-1"}
	if err := handler(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	entries := logs.FilterMessage("handled").All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["event_id"] != "cycle-1" || fields["event"] != string(vend.TypeComplete) || fields["component"] != "vend_monitor" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestWithEventContextLogsHandlerFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	boom := errors.New("boom")

	handler := WithEventContext(zaplogger.New(zap.New(core)), "device_server")(func(context.Context, domoutbox.Event) error {
		return boom
	})

	if err := handler(context.Background(), vend.Message{Type: vend.TypeAccepted, ID: "cmd-1"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	failed := logs.FilterMessage("event_handler_failed").All()
	if len(failed) != 1 || failed[0].ContextMap()["event_id"] != "cmd-1" {
		t.Fatalf("failure log = %v", failed)
	}
}
