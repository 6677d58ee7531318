package teaching

import (
	"context"
	"errors"
	"strings"
	"testing"

	"elisa/internal/client"
)

type fakeModel struct {
	text string
	err  error
}

func (m *fakeModel) Stream(ctx context.Context, req client.ChatRequest) (*client.StreamingResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan client.ResponseChunk, 2)
	done := make(chan struct{})
	ch <- client.ResponseChunk{Text: m.text}
	ch <- client.ResponseChunk{Done: true}
	close(ch)
	close(done)
	return &client.StreamingResponse{Chunks: ch, Done: done}, nil
}

func (m *fakeModel) Model() string                         { return "fake-model" }
func (m *fakeModel) WithModel(string) client.LanguageModel { return m }

func TestMomentFromModel(t *testing.T) {
	e := NewEngine(&fakeModel{text: "  Loops repeat work for you.  "})
	got, err := e.MomentFor(context.Background(), "Blink loop", "Blink the LED.")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Loops repeat work for you." {
		t.Errorf("moment = %q", got)
	}
}

func TestMomentFallsBackOnModelError(t *testing.T) {
	e := NewEngine(&fakeModel{err: errors.New("down")})
	got, err := e.MomentFor(context.Background(), "Write the test suite", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "Tests") {
		t.Errorf("fallback moment = %q", got)
	}
}

func TestMomentFallbackWithoutModel(t *testing.T) {
	e := NewEngine(nil)
	got, err := e.MomentFor(context.Background(), "Mystery task", "")
	if err != nil {
		t.Fatal(err)
	}
	if got == "" {
		t.Error("empty moment")
	}
}

func TestFallbackKeyedOnTaskName(t *testing.T) {
	cases := map[string]string{
		"Blink the LED":      "hardware",
		"Build the REST api": "server",
		"Review the work":    "review",
	}
	for name, want := range cases {
		if got := fallbackMoment(name); !strings.Contains(strings.ToLower(got), want) {
			t.Errorf("fallbackMoment(%q) = %q, want mention of %q", name, got, want)
		}
	}
}
