// Copyright (c) 2025-2026 The Lightning Hive developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package canonjson

import "testing"

func TestMarshal(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{
			"keys sorted",
			map[string]interface{}{"zeta": 1, "alpha": 2, "mid": 3},
			`{"alpha":2,"mid":3,"zeta":1}`,
		},
		{
			"nested objects sorted",
			map[string]interface{}{
				"b": map[string]interface{}{"y": 1, "x": 2},
				"a": []interface{}{"s", 1, true, nil},
			},
			`{"a":["s",1,true,null],"b":{"x":2,"y":1}}`,
		},
		{
			"no whitespace",
			map[string]interface{}{"a": []interface{}{1, 2}},
			`{"a":[1,2]}`,
		},
		{
			"utf8 preserved",
			map[string]interface{}{"label": "nœud éclair ⚡"},
			`{"label":"nœud éclair ⚡"}`,
		},
		{
			"html not escaped",
			map[string]interface{}{"s": "<a>&</a>"},
			`{"s":"<a>&</a>"}`,
		},
		{
			"control characters escaped",
			map[string]interface{}{"s": "a\nb\tc\x01"},
			`{"s":"a\nb\tc"}`,
		},
		{
			"int64 round trips",
			map[string]interface{}{"timestamp": int64(1755993600)},
			`{"timestamp":1755993600}`,
		},
		{
			"large int keeps digits",
			map[string]interface{}{"n": int64(9007199254740993)},
			`{"n":9007199254740993}`,
		},
		{
			"string slice",
			[]string{"yes", "no"},
			`["yes","no"]`,
		},
		{
			"bare string",
			"hello",
			`"hello"`,
		},
		{
			"empty object",
			map[string]interface{}{},
			`{}`,
		},
	}
	for _, test := range tests {
		got, err := Marshal(test.in)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
			continue
		}
		if string(got) != test.want {
			t.Errorf("%s: got %s, want %s", test.name, got, test.want)
		}
	}
}

func TestMarshalDeterministic(t *testing.T) {
	payload := map[string]interface{}{
		"binding_type": "nostr",
		"did":          "did:cid:abc123def456",
		"subject":      "aa11",
		"node_pubkey":  "02ff",
		"timestamp":    int64(1700000000),
	}
	first, err := Marshal(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(payload)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("marshal not deterministic: %s != %s", again, first)
		}
	}
	want := `{"binding_type":"nostr","did":"did:cid:abc123def456",` +
		`"node_pubkey":"02ff","subject":"aa11","timestamp":1700000000}`
	if string(first) != want {
		t.Fatalf("got %s, want %s", first, want)
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"reorders keys", `{"b": 1, "a": 2}`, `{"a":2,"b":1}`, false},
		{"strips whitespace", "{\n  \"a\" : [ 1 , 2 ]\n}", `{"a":[1,2]}`, false},
		{"bare number", ` 42 `, `42`, false},
		{"null", `null`, `null`, false},
		{"invalid json", `{"a":`, "", true},
		{"trailing data", `{} {}`, "", true},
		{"empty input", ``, "", true},
	}
	for _, test := range tests {
		got, err := Canonicalize([]byte(test.in))
		if test.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got %s", test.name, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
			continue
		}
		if string(got) != test.want {
			t.Errorf("%s: got %s, want %s", test.name, got, test.want)
		}
	}
}

func TestMarshalStruct(t *testing.T) {
	in := struct {
		Zeta  int    `json:"zeta"`
		Alpha string `json:"alpha"`
	}{Zeta: 7, Alpha: "x"}
	got, err := MarshalString(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"alpha":"x","zeta":7}` {
		t.Fatalf("got %s", got)
	}
}
