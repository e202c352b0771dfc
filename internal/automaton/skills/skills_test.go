package skills

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/automatonhq/automaton/internal/automaton/store"
)

const sampleSkill = `---
name: price_watch
description: Watch token prices and report large moves.
auto-activate: true
requires:
  bins:
    - sh
  env:
    - HOME
---
Check prices every hour. Report moves over 5%.

Use the chain RPC tool for on-chain quotes.
`

func TestParse(t *testing.T) {
	sk, err := Parse([]byte(sampleSkill))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sk.Name != "price_watch" {
		t.Errorf("name = %q", sk.Name)
	}
	if !sk.AutoActivate {
		t.Errorf("auto-activate not parsed")
	}
	if len(sk.Requires.Bins) != 1 || sk.Requires.Bins[0] != "sh" {
		t.Errorf("requires.bins = %v", sk.Requires.Bins)
	}
	if len(sk.Requires.Env) != 1 || sk.Requires.Env[0] != "HOME" {
		t.Errorf("requires.env = %v", sk.Requires.Env)
	}
	if sk.Instructions == "" || sk.Instructions[:12] != "Check prices" {
		t.Errorf("instructions = %q", sk.Instructions)
	}
}

func TestParse_Rejections(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"no frontmatter", "just some text\n"},
		{"unterminated", "---\nname: x\n"},
		{"missing name", "---\ndescription: no name\n---\nbody\n"},
		{"bad name", "---\nname: Bad Name!\n---\nbody\n"},
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c.in)); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	sk, err := Parse([]byte(sampleSkill))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := sk.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	sk2, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}

	if sk2.Name != sk.Name || sk2.Description != sk.Description ||
		sk2.AutoActivate != sk.AutoActivate {
		t.Errorf("frontmatter fields lost in round trip: %+v vs %+v", sk2, sk)
	}
	if len(sk2.Requires.Bins) != len(sk.Requires.Bins) || len(sk2.Requires.Env) != len(sk.Requires.Env) {
		t.Errorf("requires lost in round trip")
	}
	if sk2.Instructions != sk.Instructions {
		t.Errorf("body changed: %q vs %q", sk2.Instructions, sk.Instructions)
	}
}

func TestRequiresUnsatisfied(t *testing.T) {
	r := Requires{Bins: []string{"sh", "definitely-not-a-real-binary-xyz"}}
	missing := r.Unsatisfied()
	if len(missing) != 1 || missing[0] != "bin:definitely-not-a-real-binary-xyz" {
		t.Errorf("missing = %v", missing)
	}

	r = Requires{Env: []string{"AUTOMATON_TEST_UNSET_VAR_XYZ"}}
	missing = r.Unsatisfied()
	if len(missing) != 1 {
		t.Errorf("missing = %v, want the unset env var", missing)
	}
}

func TestSync(t *testing.T) {
	dir := t.TempDir()
	writeSkill := func(name, content string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name, "SKILL.md"), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	writeSkill("price_watch", sampleSkill)
	writeSkill("needs_magic", `---
name: needs_magic
auto-activate: true
requires:
  bins:
    - definitely-not-a-real-binary-xyz
---
Never runnable here.
`)
	writeSkill("broken", "no frontmatter at all\n")

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := Sync(ctx, st, dir, logger); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	rows, err := st.ListSkills(ctx)
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	// The broken file is skipped, not fatal.
	if len(rows) != 2 {
		t.Fatalf("got %d skills, want 2", len(rows))
	}

	byName := map[string]*store.SkillRow{}
	for _, r := range rows {
		byName[r.Name] = r
	}
	if !byName["price_watch"].Enabled {
		t.Errorf("satisfiable skill should be enabled")
	}
	if byName["needs_magic"].Enabled {
		t.Errorf("skill with missing binary should be disabled")
	}

	// Operator disables a skill; a re-sync must not re-enable it.
	if err := st.SetSkillEnabled(ctx, "price_watch", false); err != nil {
		t.Fatalf("SetSkillEnabled: %v", err)
	}
	if err := Sync(ctx, st, dir, logger); err != nil {
		t.Fatalf("re-Sync: %v", err)
	}
	rows, _ = st.ListSkills(ctx)
	for _, r := range rows {
		if r.Name == "price_watch" && r.Enabled {
			t.Errorf("re-sync clobbered the operator's disable")
		}
	}
}
