package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Keys of the score object that are typed; anything else is an attachment.
const (
	keyKeyword     = "keyword"
	keyReference   = "reference"
	keyGrammar     = "grammar"
	keyFinalScore  = "finalScore"
	keyAttachments = "attachments"
	keyScore       = "score"
)

// ScoreDetail is one sub-score as returned by the scorer. Fields other than
// "score" (for example matched keywords) are kept in Details.
type ScoreDetail struct {
	Score   float64
	Details map[string]json.RawMessage
}

// MarshalJSON flattens Details next to the score.
func (d ScoreDetail) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Details)+1)
	for k, v := range d.Details {
		out[k] = v
	}
	out[keyScore] = d.Score
	return json.Marshal(out)
}

// UnmarshalJSON reads "score" as a number or numeric string. A bare number
// or numeric string in place of the object is taken as the score itself.
func (d *ScoreDetail) UnmarshalJSON(data []byte) error {
	*d = ScoreDetail{}
	if trimmed := strings.TrimSpace(string(data)); trimmed != "" && trimmed[0] != '{' && trimmed != "null" {
		score, err := decodeScore(data)
		if err != nil {
			return err
		}
		d.Score = score
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields[keyScore]; ok {
		score, err := decodeScore(raw)
		if err != nil {
			return err
		}
		d.Score = score
		delete(fields, keyScore)
	}
	if len(fields) > 0 {
		d.Details = fields
	}
	return nil
}

// ScoreResponse is the scorer's structured result. Only the sub-scores and
// the final score are interpreted; every other top-level field survives in
// Attachments and is written back under "attachments".
type ScoreResponse struct {
	Keyword     ScoreDetail
	Reference   ScoreDetail
	Grammar     ScoreDetail
	FinalScore  *float64
	Attachments map[string]json.RawMessage
}

// MarshalJSON implements json.Marshaler.
func (r ScoreResponse) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		keyKeyword:   r.Keyword,
		keyReference: r.Reference,
		keyGrammar:   r.Grammar,
	}
	if r.FinalScore != nil {
		out[keyFinalScore] = *r.FinalScore
	}
	if len(r.Attachments) > 0 {
		out[keyAttachments] = r.Attachments
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both the scorer's raw output (unknown keys at the top
// level) and the stored form (unknown keys under "attachments"). A sub-score
// or final score that cannot be read as a number is kept as an attachment and
// its typed value stays zero.
func (r *ScoreResponse) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("score response is not an object")
	}
	*r = ScoreResponse{}

	details := []struct {
		key string
		dst *ScoreDetail
	}{
		{keyKeyword, &r.Keyword},
		{keyReference, &r.Reference},
		{keyGrammar, &r.Grammar},
	}
	for _, d := range details {
		raw, ok := fields[d.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, d.dst); err != nil {
			*d.dst = ScoreDetail{}
			continue
		}
		delete(fields, d.key)
	}

	if raw, ok := fields[keyFinalScore]; ok {
		if string(raw) == "null" {
			delete(fields, keyFinalScore)
		} else if score, err := decodeScore(raw); err == nil {
			r.FinalScore = &score
			delete(fields, keyFinalScore)
		}
	}

	if raw, ok := fields[keyAttachments]; ok {
		var stored map[string]json.RawMessage
		if err := json.Unmarshal(raw, &stored); err == nil {
			delete(fields, keyAttachments)
			for k, v := range stored {
				fields[k] = v
			}
		}
	}
	if len(fields) > 0 {
		r.Attachments = fields
	}
	return nil
}

// SetAttachment stores an extra value, replacing any previous one.
func (r *ScoreResponse) SetAttachment(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if r.Attachments == nil {
		r.Attachments = make(map[string]json.RawMessage)
	}
	r.Attachments[key] = raw
	return nil
}

func decodeScore(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("score must be a number: %s", raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("score must be a number: %q", s)
	}
	return f, nil
}
