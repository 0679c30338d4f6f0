package namespace

import "testing"

func TestMQTT(t *testing.T) {
	tests := []struct {
		ns, sel, base string
	}{
		{"plant", "", "plant"},
		{"plant", "line1", "plant/line1"},
	}
	for _, tt := range tests {
		b := New(tt.ns, tt.sel)
		checks := map[string]string{
			b.MQTTBase():               tt.base,
			b.MQTTTelemetryTopic():     tt.base + "/telemetry",
			b.MQTTChannelTopic("temp"): tt.base + "/channels/temp",
			b.MQTTStatusTopic():        tt.base + "/status",
			b.MQTTWriteTopic():         tt.base + "/write",
			b.MQTTWriteResponseTopic(): tt.base + "/write/response",
		}
		for got, want := range checks {
			if got != want {
				t.Errorf("%s/%s: got %q, want %q", tt.ns, tt.sel, got, want)
			}
		}
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"plant", "latest"}, "plant:latest"},
		{[]string{"plant", "", "latest"}, "plant:latest"},
		{[]string{":plant:", ":line1", "writes:"}, "plant:line1:writes"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := JoinKey(tt.in...); got != tt.want {
			t.Errorf("JoinKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValkey(t *testing.T) {
	b := New("plant:", ":line1")
	if got := b.ValkeyLatestKey(); got != "plant:line1:latest" {
		t.Errorf("ValkeyLatestKey = %q", got)
	}
	if got := b.ValkeyWriteResponseChannel(); got != "plant:line1:write:responses" {
		t.Errorf("ValkeyWriteResponseChannel = %q", got)
	}
	if got := New("plant", "").ValkeyChangesChannel(); got != "plant:changes" {
		t.Errorf("ValkeyChangesChannel = %q", got)
	}
}

func TestKafka(t *testing.T) {
	b := New("plant", "")
	if got := b.KafkaTelemetryTopic(""); got != "plant.telemetry" {
		t.Errorf("KafkaTelemetryTopic = %q", got)
	}
	if got := b.KafkaTelemetryTopic("pac"); got != "pac" {
		t.Errorf("override = %q", got)
	}
	if got := b.KafkaWriteResponseTopic(""); got != "plant.telemetry.writes.response" {
		t.Errorf("KafkaWriteResponseTopic = %q", got)
	}
	if got := New("plant", "line1").KafkaWriteTopic(""); got != "plant.line1.telemetry.writes" {
		t.Errorf("KafkaWriteTopic with selector = %q", got)
	}
}
