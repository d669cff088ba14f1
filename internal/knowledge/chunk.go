package knowledge

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// chunk is one piece of a markdown file before it is persisted as a
// store.KnowledgeChunk. Grounded on core/indexer.py's Chunk dataclass.
type chunk struct {
	content     string
	headingPath string
	tokenCount  int
}

func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

var h2Pattern = regexp.MustCompile(`^## (.*)$`)
var h3Pattern = regexp.MustCompile(`^### (.*)$`)

// frontmatter is the YAML metadata block at the top of a knowledge
// file, mirroring core/indexer.py's _parse_frontmatter.
type frontmatter struct {
	Title string      `yaml:"title"`
	Scope string      `yaml:"scope"`
	Tags  interface{} `yaml:"tags"`
}

func (f frontmatter) tagList() []string {
	switch v := f.Tags.(type) {
	case string:
		var out []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// parseFrontmatter splits a leading "---\n...\n---" YAML block from
// the markdown body, mirroring core/indexer.py's _parse_frontmatter.
func parseFrontmatter(content string) (frontmatter, string) {
	if !strings.HasPrefix(content, "---") {
		return frontmatter{Scope: "system"}, content
	}
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return frontmatter{Scope: "system"}, content
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return frontmatter{Scope: "system"}, strings.TrimSpace(parts[2])
	}
	if fm.Scope == "" {
		fm.Scope = "system"
	}
	return fm, strings.TrimSpace(parts[2])
}

type headingSection struct {
	heading string
	body    string
}

// splitByHeading breaks content at lines matching pattern, mirroring
// core/indexer.py's _split_by_heading.
func splitByHeading(content string, pattern *regexp.Regexp) []headingSection {
	lines := strings.Split(content, "\n")
	var sections []headingSection
	var heading string
	var body []string
	has := false

	flush := func() {
		if has {
			sections = append(sections, headingSection{heading: heading, body: strings.TrimSpace(strings.Join(body, "\n"))})
		}
	}

	for _, line := range lines {
		if m := pattern.FindStringSubmatch(line); m != nil {
			flush()
			heading = strings.TrimSpace(m[1])
			body = nil
			has = true
		} else {
			body = append(body, line)
			has = true
		}
	}
	flush()
	return sections
}

func joinPath(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " > ")
}

// chunkMarkdown applies the H2 → H3 → paragraph splitting strategy,
// mirroring core/indexer.py's _chunk_markdown.
func chunkMarkdown(body string, fm frontmatter, maxTokens int) []chunk {
	sections := splitByHeading(body, h2Pattern)
	if len(sections) == 0 {
		tok := estimateTokens(body)
		if strings.TrimSpace(body) == "" {
			return nil
		}
		return []chunk{{content: strings.TrimSpace(body), headingPath: fm.Title, tokenCount: tok}}
	}

	var chunks []chunk
	for _, s := range sections {
		sectionText := s.body
		if s.heading != "" {
			sectionText = "## " + s.heading + "\n" + s.body
		}
		tok := estimateTokens(sectionText)

		if tok <= maxTokens {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(sectionText),
				headingPath: joinPath(fm.Title, s.heading),
				tokenCount:  tok,
			})
			continue
		}

		h3Sections := splitByHeading(s.body, h3Pattern)
		if len(h3Sections) > 1 {
			for _, h3 := range h3Sections {
				h3Text := h3.body
				if h3.heading != "" {
					h3Text = "### " + h3.heading + "\n" + h3.body
				}
				h3Tok := estimateTokens(h3Text)
				if h3Tok <= maxTokens {
					chunks = append(chunks, chunk{
						content:     strings.TrimSpace(h3Text),
						headingPath: joinPath(fm.Title, s.heading, h3.heading),
						tokenCount:  h3Tok,
					})
				} else {
					chunks = append(chunks, splitByParagraphs(h3Text, fm.Title, s.heading, h3.heading, maxTokens)...)
				}
			}
		} else {
			chunks = append(chunks, splitByParagraphs(sectionText, fm.Title, s.heading, "", maxTokens)...)
		}
	}
	return chunks
}

// splitByParagraphs mirrors core/indexer.py's _split_by_paragraphs,
// packing paragraphs up to maxTokens and merging a small trailing
// remainder into the previous chunk when one exists.
func splitByParagraphs(text, title, h2, h3 string, maxTokens int) []chunk {
	const minParaTokens = 200
	paragraphs := regexp.MustCompile(`\n{2,}`).Split(strings.TrimSpace(text), -1)

	var chunks []chunk
	var current string
	for _, para := range paragraphs {
		if strings.TrimSpace(para) == "" {
			continue
		}
		candidate := para
		if current != "" {
			candidate = current + "\n\n" + para
		}
		if current != "" && estimateTokens(candidate) > maxTokens {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(current),
				headingPath: joinPath(title, h2, h3),
				tokenCount:  estimateTokens(current),
			})
			current = para
		} else {
			current = candidate
		}
	}

	if strings.TrimSpace(current) != "" {
		tok := estimateTokens(current)
		if len(chunks) > 0 && tok < minParaTokens {
			last := &chunks[len(chunks)-1]
			last.content = last.content + "\n\n" + strings.TrimSpace(current)
			last.tokenCount += tok
		} else {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(current),
				headingPath: joinPath(title, h2, h3),
				tokenCount:  tok,
			})
		}
	}
	return chunks
}

// mergeSmallChunks merges any chunk under minTokens into the chunk
// that follows it, mirroring core/indexer.py's _merge_small_chunks.
func mergeSmallChunks(chunks []chunk, minTokens int) []chunk {
	if len(chunks) == 0 {
		return chunks
	}
	var merged []chunk
	i := 0
	for i < len(chunks) {
		c := chunks[i]
		if c.tokenCount < minTokens && i+1 < len(chunks) {
			next := chunks[i+1]
			headingPath := next.headingPath
			if headingPath == "" {
				headingPath = c.headingPath
			}
			chunks[i+1] = chunk{
				content:     c.content + "\n\n" + next.content,
				headingPath: headingPath,
				tokenCount:  c.tokenCount + next.tokenCount,
			}
			i++
			continue
		}
		merged = append(merged, c)
		i++
	}
	return merged
}
