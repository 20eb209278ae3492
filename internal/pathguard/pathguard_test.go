package pathguard

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfinesToRoots(t *testing.T) {
	ws := t.TempDir()
	extra := t.TempDir()
	g, err := New(ws, extra)
	if err != nil {
		t.Fatal(err)
	}

	// Relative paths land in the workspace.
	p, err := g.Resolve("notes/todo.txt")
	if err != nil {
		t.Fatalf("relative path rejected: %v", err)
	}
	if want := filepath.Join(g.Workspace(), "notes", "todo.txt"); p != want {
		t.Fatalf("Resolve = %q, want %q", p, want)
	}

	// Absolute paths inside either root pass.
	if _, err := g.Resolve(filepath.Join(extra, "data.csv")); err != nil {
		t.Fatalf("extra root rejected: %v", err)
	}

	// Outside paths fail.
	for _, bad := range []string{"/etc/passwd", "/", filepath.Join(os.TempDir(), "elsewhere")} {
		if _, err := g.Resolve(bad); err == nil {
			t.Errorf("Resolve(%q) = nil, want rejection", bad)
		}
	}
}

func TestResolveRejectsTraversalAndHome(t *testing.T) {
	g, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{
		"",
		"   ",
		"../escape.txt",
		"a/../../escape.txt",
		"ok/../fine/../../nope",
		"~/secrets.txt",
		"~root/x",
	} {
		if _, err := g.Resolve(bad); err == nil {
			t.Errorf("Resolve(%q) = nil, want rejection", bad)
		}
	}

	// Single dots and clean nesting are fine.
	if _, err := g.Resolve("./a/b.txt"); err != nil {
		t.Errorf("Resolve(./a/b.txt) = %v, want nil", err)
	}
}

func TestResolveFollowsSymlinksOut(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	g, err := New(ws)
	if err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(ws, "exit")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := g.Resolve("exit/leak.txt"); err == nil {
		t.Fatal("path through outbound symlink accepted")
	}

	// A link that stays inside is fine.
	inner := filepath.Join(ws, "real")
	if err := os.MkdirAll(inner, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(inner, filepath.Join(ws, "alias")); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Resolve("alias/file.txt"); err != nil {
		t.Fatalf("inbound symlink rejected: %v", err)
	}
}

func TestIsSensitiveName(t *testing.T) {
	sensitive := []string{
		".env",
		".env.production",
		"project/.ENV",
		"id_rsa",
		"id_rsa.pub",
		"id_ed25519",
		"server.pem",
		"tls.KEY",
		"backup.p12",
		"credentials",
		"credentials.json",
		".netrc",
		"secrets.yaml",
	}
	for _, name := range sensitive {
		if !IsSensitiveName(name) {
			t.Errorf("IsSensitiveName(%q) = false, want true", name)
		}
	}

	plain := []string{
		"notes.txt",
		"environment.md",
		"keyboard.go",
		"monkey.pdf",
		"envelope.json",
		"key_metrics.csv",
	}
	for _, name := range plain {
		if IsSensitiveName(name) {
			t.Errorf("IsSensitiveName(%q) = true, want false", name)
		}
	}
}
