package model

import (
	"encoding/json"
	"testing"
)

func TestScoreResponseKeepsUnknownFields(t *testing.T) {
	raw := `{
		"keyword": {"score": 80, "matched": ["x", "y"]},
		"reference": {"score": "90.5"},
		"grammar": {"score": 70},
		"feedback": "good",
		"model_version": 3
	}`

	var r ScoreResponse
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r.Keyword.Score != 80 || r.Reference.Score != 90.5 || r.Grammar.Score != 70 {
		t.Errorf("scores = %v/%v/%v, want 80/90.5/70", r.Keyword.Score, r.Reference.Score, r.Grammar.Score)
	}
	if r.FinalScore != nil {
		t.Errorf("FinalScore = %v, want nil", *r.FinalScore)
	}
	if _, ok := r.Keyword.Details["matched"]; !ok {
		t.Error("keyword details lost \"matched\"")
	}
	if len(r.Attachments) != 2 {
		t.Fatalf("Attachments = %v, want feedback and model_version", r.Attachments)
	}

	final := 81.0
	r.FinalScore = &final
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// The stored form nests extras under "attachments" and must read back the same.
	var stored map[string]json.RawMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("Unmarshal stored: %v", err)
	}
	if _, ok := stored["attachments"]; !ok {
		t.Errorf("stored form has no attachments key: %s", data)
	}

	var back ScoreResponse
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal back: %v", err)
	}
	if back.FinalScore == nil || *back.FinalScore != 81 {
		t.Errorf("FinalScore after reload = %v, want 81", back.FinalScore)
	}
	if string(back.Attachments["feedback"]) != `"good"` {
		t.Errorf("feedback = %s, want \"good\"", back.Attachments["feedback"])
	}
	if string(back.Keyword.Details["matched"]) != `["x","y"]` {
		t.Errorf("matched = %s", back.Keyword.Details["matched"])
	}
}

func TestScoreResponseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"array", `[1, 2]`},
		{"null", `null`},
		{"string", `"80"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r ScoreResponse
			if err := json.Unmarshal([]byte(tt.raw), &r); err == nil {
				t.Errorf("Unmarshal(%s) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestScoreResponseBareScores(t *testing.T) {
	var r ScoreResponse
	if err := json.Unmarshal([]byte(`{"keyword": 80, "reference": "90", "grammar": 70}`), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r.Keyword.Score != 80 || r.Reference.Score != 90 || r.Grammar.Score != 70 {
		t.Errorf("scores = %v/%v/%v, want 80/90/70", r.Keyword.Score, r.Reference.Score, r.Grammar.Score)
	}
	if len(r.Attachments) != 0 {
		t.Errorf("Attachments = %v, want none", r.Attachments)
	}
}

func TestScoreResponseKeepsUnreadableScores(t *testing.T) {
	raw := `{"keyword": [1, 2], "reference": {"score": 90}, "grammar": {"score": "high"}, "finalScore": true}`

	var r ScoreResponse
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r.Keyword.Score != 0 || r.Reference.Score != 90 || r.Grammar.Score != 0 {
		t.Errorf("scores = %v/%v/%v, want 0/90/0", r.Keyword.Score, r.Reference.Score, r.Grammar.Score)
	}
	if r.FinalScore != nil {
		t.Errorf("FinalScore = %v, want nil", *r.FinalScore)
	}
	for key, want := range map[string]string{
		"keyword":    `[1, 2]`,
		"grammar":    `{"score": "high"}`,
		"finalScore": `true`,
	} {
		if got := string(r.Attachments[key]); got != want {
			t.Errorf("Attachments[%s] = %s, want %s", key, got, want)
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back ScoreResponse
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal back: %v", err)
	}
	if len(back.Attachments) != 3 || back.Reference.Score != 90 {
		t.Errorf("reloaded = %+v", back)
	}
}

func TestScoreInput(t *testing.T) {
	tests := []struct {
		raw  string
		want ScoreInput
	}{
		{`"80"`, "80"},
		{`75`, "75"},
		{`12.9`, "12"},
		{`-3.7`, "-3"},
		{`1e2`, "100"},
		{`1.5e1`, "15"},
		{`"1e2"`, "1e2"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var got ScoreInput
		if err := json.Unmarshal([]byte(tt.raw), &got); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
