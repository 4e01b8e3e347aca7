package episode

import (
	"errors"
	"testing"
)

func TestEncode(t *testing.T) {
	ref := Ref{EnvName: "CartPole-v1", BenchmarkType: "trained", BenchmarkID: 3, CheckpointStep: 100000, EpisodeNum: 7}
	got, err := Encode(ref)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := "CartPole-v1_trained_3_100000_7"
	if got != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	refs := []Ref{
		{EnvName: "CartPole-v1", BenchmarkType: "trained", BenchmarkID: 3, CheckpointStep: 100000, EpisodeNum: 7},
		{EnvName: "ALE/Breakout-v5", BenchmarkType: "random", BenchmarkID: 0, CheckpointStep: 0, EpisodeNum: 0},
		{EnvName: "MiniGrid-Empty-5x5-v0", BenchmarkType: "", BenchmarkID: -1, CheckpointStep: 42, EpisodeNum: 99},
	}
	for _, ref := range refs {
		id, err := Encode(ref)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", ref, err)
		}
		got, err := Decode(id)
		if err != nil {
			t.Fatalf("Decode(%q): %v", id, err)
		}
		if got != ref {
			t.Errorf("Decode(Encode(%+v)) = %+v", ref, got)
		}
		again, err := Encode(got)
		if err != nil {
			t.Fatalf("re-Encode: %v", err)
		}
		if again != id {
			t.Errorf("Encode(Decode(%q)) = %q", id, again)
		}
	}
}

func TestEncode_SeparatorInField(t *testing.T) {
	_, err := Encode(Ref{EnvName: "my_env", BenchmarkType: "trained"})
	if !errors.Is(err, ErrSeparatorInField) {
		t.Errorf("err = %v, want ErrSeparatorInField", err)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"too few fields", "CartPole-v1_trained_3"},
		{"too many fields", "Cart_Pole_trained_3_4_5"},
		{"non-numeric id", "CartPole-v1_trained_x_4_5"},
		{"non-numeric episode", "CartPole-v1_trained_3_4_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.id); !errors.Is(err, ErrInvalidIdentifier) {
				t.Errorf("Decode(%q) err = %v, want ErrInvalidIdentifier", tt.id, err)
			}
		})
	}
}

func TestEncodeAll(t *testing.T) {
	ids, err := EncodeAll([]Ref{
		{EnvName: "a", BenchmarkType: "b", EpisodeNum: 1},
		{EnvName: "a", BenchmarkType: "b", EpisodeNum: 2},
	})
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a_b_0_0_1" || ids[1] != "a_b_0_0_2" {
		t.Errorf("EncodeAll = %v", ids)
	}

	if _, err := EncodeAll([]Ref{{EnvName: "a_b"}}); err == nil {
		t.Error("expected error for separator in env name")
	}
}
