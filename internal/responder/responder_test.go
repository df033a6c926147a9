package responder

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/example/solargate/internal/frame"
	"github.com/example/solargate/internal/settings"
)

const testDevice = "2206237818"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestResponder(store settings.Store) *Responder {
	return New(Config{
		Store: store,
		Now:   func() time.Time { return testNow },
	})
}

func mustFrame(t *testing.T, raw []byte) *frame.Frame {
	t.Helper()
	f, _, err := frame.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return f
}

func inbound(t *testing.T, table, reason string) *frame.Frame {
	t.Helper()
	return mustFrame(t, frame.Build(table, testDevice, reason, nil))
}

func TestRespond_DecisionTable(t *testing.T) {
	tests := []struct {
		name     string
		table    string
		reason   string
		wantKind Kind
		wantData []byte
	}{
		{
			name:     "END gets ACK",
			table:    "END",
			reason:   frame.ReasonTable,
			wantKind: KindAck,
			wantData: frame.BuildAck(testDevice, "END"),
		},
		{
			name:     "IsNewSet gets END with time and GetActual",
			table:    "IsNewSet",
			wantKind: KindEnd,
			wantData: frame.BuildEnd(testDevice, frame.EndOptions{Time: testNow, GetActual: true}),
		},
		{
			name:     "IsNewFW gets bare END",
			table:    "IsNewFW",
			wantKind: KindEnd,
			wantData: frame.BuildEnd(testDevice, frame.EndOptions{}),
		},
		{
			name:     "IsNewWeather gets bare END",
			table:    "IsNewWeather",
			wantKind: KindEnd,
			wantData: frame.BuildEnd(testDevice, frame.EndOptions{}),
		},
		{
			name:     "upstream ACK echo gets nothing",
			table:    "ACK",
			reason:   frame.ReasonTable,
			wantKind: KindNone,
		},
		{
			name:     "params echo gets ACK",
			table:    "tbl_box_prms",
			reason:   frame.ReasonTable,
			wantKind: KindAck,
			wantData: frame.BuildAck(testDevice, frame.ReasonTable),
		},
		{
			name:     "data table gets ACK",
			table:    "tbl_actual",
			reason:   frame.ReasonTable,
			wantKind: KindAck,
			wantData: frame.BuildAck(testDevice, frame.ReasonTable),
		},
		{
			name:     "unknown table gets ACK",
			table:    "tbl_mystery",
			reason:   frame.ReasonTable,
			wantKind: KindAck,
			wantData: frame.BuildAck(testDevice, frame.ReasonTable),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResponder(settings.NewMemoryStore())
			got := r.Respond(context.Background(), inbound(t, tt.table, tt.reason), testDevice)
			if got.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if !bytes.Equal(got.Data, tt.wantData) {
				t.Errorf("Data = %q, want %q", got.Data, tt.wantData)
			}
		})
	}
}

func TestRespond_SyntheticRepliesVerify(t *testing.T) {
	r := newTestResponder(settings.NewMemoryStore())
	for _, table := range []string{"END", "IsNewSet", "IsNewFW", "tbl_actual"} {
		reply := r.Respond(context.Background(), inbound(t, table, frame.ReasonTable), testDevice)
		f := mustFrame(t, reply.Data)
		if !f.CRCOK {
			t.Errorf("reply to %s fails CRC verification", table)
		}
	}
}

func TestRespond_SettingDeliveryFlow(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	pushed := frame.Build("tbl_box_prms", testDevice, frame.ReasonSetting, []frame.Pair{
		{Key: "mode", Value: "HOME 2"},
	})
	store.Push(ctx, settings.Setting{Device: testDevice, Table: "tbl_box_prms", Frame: pushed})

	r := newTestResponder(store)

	// 1. A data frame with reason=Setting triggers delivery of the queued
	// setting instead of the plain ACK.
	reply := r.Respond(ctx, inbound(t, "tbl_actual", frame.ReasonSetting), testDevice)
	if reply.Kind != KindSetting {
		t.Fatalf("Kind = %v, want KindSetting", reply.Kind)
	}
	if !bytes.Equal(reply.Data, pushed) {
		t.Fatal("delivered bytes differ from the queued frame")
	}

	// Slot survives until the BOX confirms.
	if _, ok, _ := store.Peek(ctx, testDevice); !ok {
		t.Fatal("slot must stay occupied until the confirming ACK")
	}

	// 2. The BOX's confirming ACK completes the slot and gets a final ACK.
	reply = r.Respond(ctx, inbound(t, "ACK", frame.ReasonSetting), testDevice)
	if reply.Kind != KindAck {
		t.Fatalf("Kind = %v, want final KindAck", reply.Kind)
	}
	if !bytes.Equal(reply.Data, frame.BuildAck(testDevice, frame.ReasonSetting)) {
		t.Error("final ACK bytes differ from canonical")
	}
	if _, ok, _ := store.Peek(ctx, testDevice); ok {
		t.Error("slot still occupied after confirmation")
	}

	// 3. Subsequent Setting-reason data frames fall back to plain ACK.
	reply = r.Respond(ctx, inbound(t, "tbl_actual", frame.ReasonSetting), testDevice)
	if reply.Kind != KindAck {
		t.Errorf("Kind = %v, want KindAck once the queue is drained", reply.Kind)
	}
}

func TestRespond_SettingReasonWithEmptyQueue(t *testing.T) {
	r := newTestResponder(settings.NewMemoryStore())
	reply := r.Respond(context.Background(), inbound(t, "tbl_actual", frame.ReasonSetting), testDevice)
	if reply.Kind != KindAck {
		t.Errorf("Kind = %v, want KindAck when nothing is queued", reply.Kind)
	}
}

func TestRespond_AckWithoutDeliveryStaysSilent(t *testing.T) {
	r := newTestResponder(settings.NewMemoryStore())
	reply := r.Respond(context.Background(), inbound(t, "ACK", frame.ReasonSetting), testDevice)
	if reply.Kind != KindNone {
		t.Errorf("Kind = %v, want KindNone for a stray Setting ACK", reply.Kind)
	}
}

func TestRespond_DeviceFallback(t *testing.T) {
	r := newTestResponder(nil)
	// Control frame without a device attribute: the session's learned id
	// fills in.
	f := mustFrame(t, frame.Build("END", "", "", nil))
	reply := r.Respond(context.Background(), f, testDevice)
	if !bytes.Equal(reply.Data, frame.BuildAck(testDevice, "END")) {
		t.Error("reply must carry the session's learned device id")
	}
}
