package memory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontMatterDoc is the parsed shape of FULL.md/CRITERIA.md: a YAML
// front-matter block followed by `##`-level Markdown sections, the
// stable addresses ReadSection/ReplaceSection operate on.
type frontMatterDoc struct {
	Meta     map[string]string `yaml:"metadata"`
	Sections map[string]string `yaml:"-"`

	// sectionOrder preserves insertion order across writes so
	// serialized files don't reshuffle on every ReplaceSection.
	sectionOrder []string
}

func readFrontMatterDoc(path string) (*frontMatterDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading memory file: %w", err)
	}
	return parseFrontMatterDoc(string(raw))
}

func parseFrontMatterDoc(raw string) (*frontMatterDoc, error) {
	doc := &frontMatterDoc{Sections: make(map[string]string)}

	body := raw
	if strings.HasPrefix(raw, "---\n") {
		rest := raw[4:]
		end := strings.Index(rest, "\n---\n")
		if end == -1 {
			return nil, fmt.Errorf("unterminated front-matter block")
		}
		fmBlock := rest[:end]
		body = rest[end+len("\n---\n"):]

		var meta map[string]string
		if err := yaml.Unmarshal([]byte(fmBlock), &meta); err != nil {
			return nil, fmt.Errorf("parsing front-matter: %w", err)
		}
		doc.Meta = meta
	}

	var currentSection string
	var buf strings.Builder
	flush := func() {
		if currentSection == "" {
			return
		}
		doc.Sections[currentSection] = strings.TrimRight(buf.String(), "\n")
		doc.sectionOrder = append(doc.sectionOrder, currentSection)
		buf.Reset()
	}

	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			currentSection = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		}
		if currentSection != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()

	return doc, nil
}

func writeFrontMatterDoc(path string, doc *frontMatterDoc) error {
	var sb strings.Builder

	metaBytes, err := yaml.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("marshaling front-matter: %w", err)
	}
	sb.WriteString("---\n")
	sb.Write(metaBytes)
	sb.WriteString("---\n\n")

	order := doc.sectionOrder
	seen := make(map[string]bool, len(order))
	for _, s := range order {
		seen[s] = true
	}
	var remaining []string
	for s := range doc.Sections {
		if !seen[s] {
			remaining = append(remaining, s)
		}
	}
	sort.Strings(remaining)
	order = append(order, remaining...)

	for _, section := range order {
		text, ok := doc.Sections[section]
		if !ok {
			continue
		}
		sb.WriteString("## ")
		sb.WriteString(section)
		sb.WriteString("\n\n")
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing memory file: %w", err)
	}
	return os.Rename(tmp, path)
}
