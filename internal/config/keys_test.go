package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{"empty", map[string]any{}, map[string]any{}},
		{"flat", map[string]any{"log_level": "info", "max_concurrent": 4.0}, map[string]any{"log_level": "info", "max_concurrent": 4.0}},
		{
			"nested",
			map[string]any{"storage": map[string]any{"driver": "sqlite"}, "inbox": map[string]any{"dir": "/tmp/in"}},
			map[string]any{"storage.driver": "sqlite", "inbox.dir": "/tmp/in"},
		},
		{"deep", map[string]any{"a": map[string]any{"b": map[string]any{"c": true}}}, map[string]any{"a.b.c": true}},
		{"empty nested map produces nothing", map[string]any{"server": map[string]any{}}, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Flatten(tt.in)); diff != "" {
				t.Errorf("Flatten mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnflatten(t *testing.T) {
	got := Unflatten(map[string]any{
		"compaction.threshold":   20.0,
		"compaction.keep_recent": 6.0,
		"log_level":              "debug",
	})
	want := map[string]any{
		"compaction": map[string]any{"threshold": 20.0, "keep_recent": 6.0},
		"log_level":  "debug",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unflatten mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-round-trip"
	m, err := ToMap(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, Unflatten(Flatten(m))); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMaskSecrets(t *testing.T) {
	got := MaskSecrets(map[string]any{
		"llm.api_key":    "sk-test123456",
		"server.token":   "tok",
		"llm.model":      "gpt-4o",
		"storage.driver": "sqlite",
	})
	want := map[string]any{
		"llm.api_key":    "***3456",
		"server.token":   "***tok",
		"llm.model":      "gpt-4o",
		"storage.driver": "sqlite",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MaskSecrets mismatch (-want +got):\n%s", diff)
	}
}

func TestMaskSecretsEdgeCases(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"ab", "***ab"},
		{"abcd", "***abcd"},
		{"abcde", "***bcde"},
	}
	for _, tt := range tests {
		got := MaskSecrets(map[string]any{"llm.api_key": tt.in})["llm.api_key"]
		if got != tt.want {
			t.Errorf("MaskSecrets(%q) = %v, want %q", tt.in, got, tt.want)
		}
	}
	if !IsSecretKey("server.token") || IsSecretKey("server.url") {
		t.Error("IsSecretKey misclassifies server keys")
	}
}

func TestCheckKey(t *testing.T) {
	tests := []struct {
		key     string
		value   any
		wantErr bool
	}{
		{"storage.driver", DriverSQLite, false},
		{"storage.driver", "mysql", true},
		{"storage.driver", 1.0, true},
		{"log_level", "warn", false},
		{"llm.model", "anything", false},
	}
	for _, tt := range tests {
		if err := checkKey(tt.key, tt.value); (err != nil) != tt.wantErr {
			t.Errorf("checkKey(%s, %v) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
		}
	}
	if got := MaskValue(4.0); got != 4.0 {
		t.Errorf("MaskValue(4) = %v, want unchanged", got)
	}
}
