package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Answer is one question/answer pair recorded during intake.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Answers keeps question/answer pairs in the order the questions were asked.
// It serializes as a JSON object whose keys appear in that order.
// Answering a question text that is already present overwrites the earlier answer in place.
type Answers struct {
	items []Answer
	index map[string]int
}

// Set records an answer for question.
func (a *Answers) Set(question, answer string) {
	if a.index == nil {
		a.index = make(map[string]int)
	}
	if i, ok := a.index[question]; ok {
		a.items[i].Answer = answer
		return
	}
	a.index[question] = len(a.items)
	a.items = append(a.items, Answer{Question: question, Answer: answer})
}

// Get returns the answer recorded for question.
func (a Answers) Get(question string) (string, bool) {
	i, ok := a.index[question]
	if !ok {
		return "", false
	}
	return a.items[i].Answer, true
}

func (a Answers) Len() int { return len(a.items) }

// Items returns a copy of the pairs in ask order.
func (a Answers) Items() []Answer {
	out := make([]Answer, len(a.items))
	copy(out, a.items)
	return out
}

// Clone returns an independent copy.
func (a Answers) Clone() Answers {
	var out Answers
	for _, it := range a.items {
		out.Set(it.Question, it.Answer)
	}
	return out
}

// MarshalJSON writes the pairs as an ordered JSON object.
func (a Answers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, it := range a.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(it.Question)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(it.Answer)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of string values, keeping key order.
func (a *Answers) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = Answers{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("answers: expected object, got %v", tok)
	}
	var out Answers
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("answers: expected string key, got %v", kt)
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("answers: value for %q: %w", key, err)
		}
		out.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}
