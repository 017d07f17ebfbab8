package queue

import (
	"encoding/json"
	"testing"
	"time"
)

func TestConfigNormalizedAppliesDefaults(t *testing.T) {
	cfg := Config{}.normalized()
	if cfg.MaxDeliveries != 5 {
		t.Fatalf("expected default max deliveries 5, got %d", cfg.MaxDeliveries)
	}
	if cfg.ClaimMinIdle != 30*time.Second {
		t.Fatalf("expected default claim min idle 30s, got %v", cfg.ClaimMinIdle)
	}
	if cfg.ReceiveBatch != 10 || cfg.SendBatch != 10 {
		t.Fatalf("expected default batch sizes of 10, got recv=%d send=%d", cfg.ReceiveBatch, cfg.SendBatch)
	}
}

func TestConfigNormalizedCapsBatchSizeAtTen(t *testing.T) {
	cfg := Config{ReceiveBatch: 50, SendBatch: 0}.normalized()
	if cfg.ReceiveBatch != 10 {
		t.Fatalf("expected batch size capped at 10, got %d", cfg.ReceiveBatch)
	}
}

func TestEnvelopeRoundTripsOpaquePayload(t *testing.T) {
	type instanceEventPayload struct {
		InstanceID string `json:"instance_id"`
	}
	payload := instanceEventPayload{InstanceID: "i-1"}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := Envelope{Key: "acct-1/i-1", Kind: KindInstanceEvent, Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Key != env.Key || decoded.Kind != KindInstanceEvent {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}

	var decodedPayload instanceEventPayload
	if err := json.Unmarshal(decoded.Payload, &decodedPayload); err != nil {
		t.Fatalf("unexpected error decoding payload: %v", err)
	}
	if decodedPayload.InstanceID != "i-1" {
		t.Fatalf("unexpected payload: %+v", decodedPayload)
	}
}

func TestIsBusyGroupErr(t *testing.T) {
	if !isBusyGroupErr(fmtErr("BUSYGROUP Consumer Group name already exists")) {
		t.Fatalf("expected BUSYGROUP error to be recognized")
	}
	if isBusyGroupErr(fmtErr("some other error")) {
		t.Fatalf("expected unrelated error not to be recognized as BUSYGROUP")
	}
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func fmtErr(s string) error { return simpleErr(s) }
