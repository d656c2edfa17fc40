package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStorePutWritesFileAndReturnsURL(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, "http://localhost:8080/images/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	url, err := s.Put(context.Background(), "job-1/de-bilt.jpg", []byte("jpeg"), "image/jpeg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "http://localhost:8080/images/job-1/de-bilt.jpg" {
		t.Fatalf("unexpected url %q", url)
	}

	got, err := os.ReadFile(filepath.Join(dir, "job-1", "de-bilt.jpg"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "jpeg" {
		t.Fatalf("unexpected content %q", got)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "job-1"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the published file, found %d entries", len(entries))
	}
}

func TestFileStorePutCancelledLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, "http://localhost/images")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Put(ctx, "job-1/a.jpg", []byte("x"), "image/jpeg"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, err := os.Stat(filepath.Join(dir, "job-1", "a.jpg")); !os.IsNotExist(err) {
		t.Fatalf("expected no file, stat err=%v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "job/a.jpg", want: "job/a.jpg"},
		{in: "/job/a.jpg", want: "job/a.jpg"},
		{in: `job\a.jpg`, want: "job/a.jpg"},
		{in: "job/../a.jpg", want: "a.jpg"},
		{in: "../etc/passwd", wantErr: true},
		{in: "  ", wantErr: true},
	}

	for _, tc := range cases {
		got, err := sanitizeKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("sanitizeKey(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
