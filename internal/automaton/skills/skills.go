// Package skills loads skill definitions from skills/<name>/SKILL.md files
// and syncs them into the store.
//
// A skill file is YAML frontmatter followed by a Markdown body; the body is
// the instruction text injected into the system prompt when the skill is
// enabled and auto-activating.
package skills

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/automatonhq/automaton/internal/automaton/store"
)

const frontmatterDelim = "---"

var nameRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Requires lists the environment a skill needs before it may run.
type Requires struct {
	Bins []string `yaml:"bins,omitempty"`
	Env  []string `yaml:"env,omitempty"`
}

// Skill is one parsed SKILL.md.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	AutoActivate bool     `yaml:"auto-activate,omitempty"`
	Requires     Requires `yaml:"requires,omitempty"`

	// Instructions is the Markdown body after the frontmatter.
	Instructions string `yaml:"-"`
}

// Parse splits frontmatter from body and decodes the frontmatter.
func Parse(data []byte) (*Skill, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		return nil, fmt.Errorf("skill: missing frontmatter")
	}
	rest := text[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim+"\n")
	var front, body string
	if end >= 0 {
		front = rest[:end+1]
		body = rest[end+len(frontmatterDelim)+2:]
	} else if strings.HasSuffix(rest, "\n"+frontmatterDelim) {
		front = rest[:len(rest)-len(frontmatterDelim)]
		body = ""
	} else {
		return nil, fmt.Errorf("skill: unterminated frontmatter")
	}

	sk := &Skill{}
	if err := yaml.Unmarshal([]byte(front), sk); err != nil {
		return nil, fmt.Errorf("skill: parse frontmatter: %w", err)
	}
	sk.Instructions = strings.TrimSpace(body)

	if err := sk.Validate(); err != nil {
		return nil, err
	}
	return sk, nil
}

// Validate checks the fields the loader refuses to persist without.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill: name is required")
	}
	if !nameRE.MatchString(s.Name) {
		return fmt.Errorf("skill: invalid name %q (allowed: lowercase, digits, _ and -)", s.Name)
	}
	return nil
}

// Serialize renders the skill back to SKILL.md form. Frontmatter fields and
// the body survive a Parse/Serialize round trip; whitespace is normalized to
// a single trailing newline.
func (s *Skill) Serialize() ([]byte, error) {
	front, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("skill: encode frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	buf.Write(front)
	buf.WriteString(frontmatterDelim + "\n")
	if s.Instructions != "" {
		buf.WriteString(s.Instructions)
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// Unsatisfied returns what is missing from the runtime environment: binaries
// not on PATH and unset environment variables.
func (r Requires) Unsatisfied() []string {
	var missing []string
	for _, bin := range r.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, "bin:"+bin)
		}
	}
	for _, env := range r.Env {
		if os.Getenv(env) == "" {
			missing = append(missing, "env:"+env)
		}
	}
	return missing
}

// Sync loads every skills/<name>/SKILL.md under dir into the store. Skills
// with unsatisfied requirements are persisted but force-disabled; for the
// rest, a previously stored enabled flag is preserved. A malformed file is
// logged and skipped; one bad skill never blocks the others.
func Sync(ctx context.Context, st *store.Store, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read skills dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "SKILL.md")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			logger.Warn("skill unreadable", "path", path, "err", err)
			continue
		}

		sk, err := Parse(data)
		if err != nil {
			logger.Warn("skill malformed", "path", path, "err", err)
			continue
		}
		if sk.Name != e.Name() {
			logger.Warn("skill name mismatch", "dir", e.Name(), "name", sk.Name)
		}

		missing := sk.Requires.Unsatisfied()
		row := &store.SkillRow{
			Name:         sk.Name,
			Description:  sk.Description,
			Instructions: sk.Instructions,
			AutoActivate: sk.AutoActivate,
			Enabled:      len(missing) == 0,
			RequiresBins: sk.Requires.Bins,
			RequiresEnv:  sk.Requires.Env,
			Source:       path,
		}
		if err := st.UpsertSkill(ctx, row); err != nil {
			return err
		}
		if len(missing) > 0 {
			// Requirements regressed; override whatever flag was stored.
			if err := st.SetSkillEnabled(ctx, sk.Name, false); err != nil {
				return err
			}
			logger.Warn("skill disabled, requirements unsatisfied",
				"skill", sk.Name, "missing", missing)
		}
	}
	return nil
}
