package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Skill is a named prompt fragment loaded from a skills directory, invoked
// in a prompt body as `$skillName` (spec §4.4 prompt assembly).
type Skill struct {
	Name string
	Body string
}

// LoadSkills reads every skill named in names from dir/<name>.md, in the
// order given.
func LoadSkills(dir string, names []string) ([]Skill, error) {
	skills := make([]Skill, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name+".md")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading skill %q: %w", name, err)
		}
		skills = append(skills, Skill{Name: name, Body: string(data)})
	}
	return skills, nil
}

// Fingerprint computes the sha256 of the loaded skill set, sorted by name so
// the hash is stable regardless of roster ordering. Used by the warm-start
// check to decide whether the skills block can be elided (spec §4.4).
func Fingerprint(skills []Skill) string {
	sorted := make([]Skill, len(skills))
	copy(sorted, skills)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, s := range sorted {
		h.Write([]byte(s.Name))
		h.Write([]byte{0})
		h.Write([]byte(s.Body))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
