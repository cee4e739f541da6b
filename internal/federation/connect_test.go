package federation

import (
	"encoding/base64"
	"testing"
)

func TestConnectionStringRoundTrip(t *testing.T) {
	cs, err := BuildConnectionString("http://node.example:8085/", "My Node", "raw-key")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	info, err := ParseConnectionString(cs)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.URL != "http://node.example:8085" {
		t.Fatalf("expected normalized url, got %q", info.URL)
	}
	if info.Name != "My Node" || info.Key != "raw-key" {
		t.Fatalf("unexpected payload %+v", info)
	}
}

func TestParseConnectionStringWithoutPrefix(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(
		[]byte(`{"url":"http://n.example","name":"n","key":"k"}`))
	info, err := ParseConnectionString(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.Name != "n" {
		t.Fatalf("unexpected payload %+v", info)
	}
}

func TestParseConnectionStringErrors(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"prefix only":    "adb-connect:",
		"bad base64":     "adb-connect:!!!not-base64!!!",
		"not json":       base64.StdEncoding.EncodeToString([]byte("plain text")),
		"missing fields": base64.StdEncoding.EncodeToString([]byte(`{"url":"http://x"}`)),
	}
	for name, input := range cases {
		if _, err := ParseConnectionString(input); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestFederationURL(t *testing.T) {
	got := FederationURL("http://peer.example:8085", "abc-123")
	if got != "federation://peer.example:8085/abc-123" {
		t.Fatalf("unexpected url %q", got)
	}
	if !IsFederationURL(got) {
		t.Fatal("built url must be recognized")
	}
	if IsFederationURL("https://youtube.com/watch?v=1") {
		t.Fatal("origin urls must not be recognized")
	}
}

func TestContentTypeForFile(t *testing.T) {
	cases := map[string]string{
		"a.mkv":  "video/x-matroska",
		"b.MP4":  "video/mp4",
		"c.webm": "video/webm",
		"d.avi":  "video/x-msvideo",
		"e.bin":  "application/octet-stream",
	}
	for in, want := range cases {
		if got := ContentTypeForFile(in); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}
