package canon

import "testing"

func TestJSONIsStableAcrossSerialisations(t *testing.T) {
	a, err := JSON([]byte(`{"b": 1.50, "a": {"y": [1, 2], "x": "<tag>"}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := JSON([]byte("{\n  \"a\": {\"x\": \"<tag>\", \"y\": [1,2]},\n  \"b\": 1.50\n}\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":{"x":"<tag>","y":[1,2]},"b":1.50}`
	if string(a) != want || string(b) != want {
		t.Fatalf("got %s and %s, want %s", a, b, want)
	}
}

func TestJSONRejectsTrailingContent(t *testing.T) {
	if _, err := JSON([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected trailing content error")
	}
}

func TestJSONLinesSkipsBlankLines(t *testing.T) {
	got, err := JSONLines([]byte("{\"b\":2,\"a\":1}\n\n  {\"c\":3}  \n"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "{\"a\":1,\"b\":2}\n{\"c\":3}\n" {
		t.Fatalf("got %q", got)
	}
	if _, err := JSONLines([]byte("{\"a\":1}\nnot json\n")); err == nil {
		t.Fatal("expected error on bad line")
	}
}

func TestPayloadFormats(t *testing.T) {
	raw := []byte(" raw bytes ")
	got, err := Payload(FormatRaw, raw)
	if err != nil || string(got) != string(raw) {
		t.Fatalf("raw payload changed: %q %v", got, err)
	}
	if _, err := Payload("parquet", raw); err == nil {
		t.Fatal("expected unknown format error")
	}
}
