package domain

import (
	"testing"
	"time"
)

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		in      string
		want    ModelRef
		wantErr bool
	}{
		{in: "anthropic/claude-sonnet", want: ModelRef{ProviderID: "anthropic", ModelID: "claude-sonnet"}},
		{in: " openrouter/meta/llama-3 ", want: ModelRef{ProviderID: "openrouter", ModelID: "meta/llama-3"}},
		{in: "nomodel", wantErr: true},
		{in: "/x", wantErr: true},
		{in: "x/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseModelRef(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseModelRef(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseModelRef(%q) unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseModelRef(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.want.ProviderID+"/"+tt.want.ModelID {
			t.Errorf("String() = %q", got.String())
		}
	}
}

func TestSessionRecordIdle(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	r := SessionRecord{UpdatedAt: now.Add(-time.Hour)}
	if got := r.Idle(now); got != time.Hour {
		t.Fatalf("Idle = %v, want 1h", got)
	}
	r.UpdatedAt = now.Add(time.Minute)
	if got := r.Idle(now); got != 0 {
		t.Fatalf("Idle for future record = %v, want 0", got)
	}
}
