package jsonvalidate

import "testing"

const testSchema = `{
  "type": "object",
  "required": ["uuid"],
  "properties": {"uuid": {"type": "string", "minLength": 1}}
}`

func TestValidate(t *testing.T) {
	s := MustCompile("test", testSchema)
	var out struct {
		UUID string `json:"uuid"`
	}
	if err := s.Validate([]byte(`{"uuid":"abc"}`), &out); err != nil || out.UUID != "abc" {
		t.Fatalf("Validate() out=%+v err=%v", out, err)
	}
	for _, doc := range []string{`{}`, `{"uuid":""}`, `{"uuid":1}`, `not json`} {
		if err := s.Validate([]byte(doc), nil); err == nil {
			t.Fatalf("Validate(%s) expected error", doc)
		}
	}
}

func TestCompile_Empty(t *testing.T) {
	if _, err := Compile("empty", nil); err == nil {
		t.Fatalf("Compile() expected error")
	}
}
