package staticsync

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// skillFilename is the file a provider reads inside each skill directory.
const skillFilename = "SKILL.md"

// skillSource is one markdown file from runtime.skills_dir.
type skillSource struct {
	Name    string
	Path    string
	Content []byte
}

// syncSkills mirrors the skill markdown files into the provider's skill
// tree, one "perlica.<name>" directory per skill.
func (s *Syncer) syncSkills(root string, opts Options) []Item {
	treeDir := filepath.Join(root, s.layout.skillsDir)

	sources, items := s.readSkillSources()
	desired := make(map[string]struct{}, len(sources))

	for _, src := range sources {
		desired[src.Name] = struct{}{}
		destDir := filepath.Join(treeDir, Namespace+src.Name)
		destPath := filepath.Join(destDir, skillFilename)

		existing, err := os.ReadFile(destPath)
		switch {
		case err == nil && bytes.Equal(existing, src.Content):
			items = append(items, Item{
				Kind: KindSkill, Name: src.Name, Path: destPath,
				Status: StatusSkipped, Action: ActionNone, Reason: "unchanged",
			})
			continue
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			items = append(items, Item{
				Kind: KindSkill, Name: src.Name, Path: destPath,
				Status: StatusFailed, Action: ActionNone,
				Reason: fmt.Sprintf("reading existing skill: %v", err),
			})
			continue
		}

		action := ActionUpdate
		if errors.Is(err, fs.ErrNotExist) {
			action = ActionCreate
		}
		if opts.DryRun {
			items = append(items, Item{
				Kind: KindSkill, Name: src.Name, Path: destPath,
				Status: StatusSkipped, Action: action, Reason: "dry_run",
			})
			continue
		}
		if err := writeFileAtomic(destPath, src.Content, 0o644); err != nil {
			items = append(items, Item{
				Kind: KindSkill, Name: src.Name, Path: destPath,
				Status: StatusFailed, Action: action,
				Reason: fmt.Sprintf("writing skill: %v", err),
			})
			continue
		}
		s.log.Debug("skill mirrored", "skill", src.Name, "path", destPath)
		items = append(items, Item{
			Kind: KindSkill, Name: src.Name, Path: destPath,
			Status: StatusApplied, Action: action,
		})
	}

	if opts.StaleCleanup {
		items = append(items, s.cleanupStaleSkills(treeDir, desired, opts)...)
	}
	return items
}

// readSkillSources loads the desired skills from runtime.skills_dir. Files
// that cannot serve as a skill are reported as failed items; a missing
// directory simply means an empty desired set.
func (s *Syncer) readSkillSources() ([]skillSource, []Item) {
	entries, err := os.ReadDir(s.rcfg.SkillsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, []Item{{
			Kind: KindSkill, Name: "*", Path: s.rcfg.SkillsDir,
			Status: StatusFailed, Action: ActionNone,
			Reason: fmt.Sprintf("reading skills dir: %v", err),
		}}
	}

	var (
		sources []skillSource
		items   []Item
		seen    = map[string]string{} // name -> source path
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(s.rcfg.SkillsDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			items = append(items, Item{
				Kind: KindSkill, Name: entry.Name(), Path: path,
				Status: StatusFailed, Action: ActionNone,
				Reason: fmt.Sprintf("reading skill source: %v", err),
			})
			continue
		}
		name := skillName(entry.Name(), content)
		if err := validSkillName(name); err != nil {
			items = append(items, Item{
				Kind: KindSkill, Name: name, Path: path,
				Status: StatusFailed, Action: ActionNone, Reason: err.Error(),
			})
			continue
		}
		if prev, dup := seen[name]; dup {
			items = append(items, Item{
				Kind: KindSkill, Name: name, Path: path,
				Status: StatusFailed, Action: ActionNone,
				Reason: fmt.Sprintf("duplicate skill name (already defined by %s)", prev),
			})
			continue
		}
		seen[name] = path
		sources = append(sources, skillSource{Name: name, Path: path, Content: content})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources, items
}

// cleanupStaleSkills removes perlica-namespaced skill directories whose
// skill no longer exists in the source dir.
func (s *Syncer) cleanupStaleSkills(treeDir string, desired map[string]struct{}, opts Options) []Item {
	entries, err := os.ReadDir(treeDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return []Item{{
			Kind: KindSkill, Name: "*", Path: treeDir,
			Status: StatusFailed, Action: ActionDelete,
			Reason: fmt.Sprintf("reading skill tree: %v", err),
		}}
	}

	var items []Item
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), Namespace) {
			continue
		}
		name := strings.TrimPrefix(entry.Name(), Namespace)
		if _, ok := desired[name]; ok {
			continue
		}
		path := filepath.Join(treeDir, entry.Name())
		if opts.DryRun {
			items = append(items, Item{
				Kind: KindSkill, Name: name, Path: path,
				Status: StatusSkipped, Action: ActionDelete, Reason: "dry_run",
			})
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			items = append(items, Item{
				Kind: KindSkill, Name: name, Path: path,
				Status: StatusFailed, Action: ActionDelete,
				Reason: fmt.Sprintf("removing stale skill: %v", err),
			})
			continue
		}
		items = append(items, Item{
			Kind: KindSkill, Name: name, Path: path,
			Status: StatusApplied, Action: ActionDelete,
		})
	}
	return items
}

// skillName prefers the front-matter name and falls back to the file stem.
func skillName(filename string, content []byte) string {
	if fm, _, ok := splitFrontMatter(content); ok {
		var meta struct {
			Name string `yaml:"name"`
		}
		if err := yaml.Unmarshal(fm, &meta); err == nil && strings.TrimSpace(meta.Name) != "" {
			return strings.TrimSpace(meta.Name)
		}
	}
	return strings.TrimSuffix(filename, ".md")
}

// validSkillName rejects names that would escape the skill tree when used
// as a directory component.
func validSkillName(name string) error {
	if name == "" {
		return errors.New("skill name is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("skill name %q is not a valid directory name", name)
	}
	return nil
}

// splitFrontMatter separates a leading YAML front-matter block (between
// "---" lines) from the body. ok is false when there is no such block.
func splitFrontMatter(content []byte) (frontMatter, body []byte, ok bool) {
	const delim = "---"
	text := string(content)
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != delim {
		return nil, content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delim {
			fm := strings.Join(lines[1:i], "\n")
			rest := strings.Join(lines[i+1:], "\n")
			return []byte(fm), []byte(rest), true
		}
	}
	return nil, content, false
}
