package prompt

import (
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// sectionFor maps each modification type to the prompt section its content
// belongs under.
func sectionFor(t ModificationType) string {
	switch t {
	case ModAvoidFailure, ModAddConstraint:
		return "Constraints"
	case ModReinforceSuccess:
		return "Approach"
	case ModClarifyAmbiguity, ModEscalateDetail:
		return "Process"
	case ModNarrowScope:
		return "Scope"
	case ModAddExample:
		return "Examples"
	default:
		return "Guidance"
	}
}

// Apply renders modifications into the markdown prompt. Each modification
// becomes a bullet appended to its target section; sections the prompt does
// not yet have are created at the end of the document. The returned prompt
// is what the next iteration executes with.
func (e *Engineer) Apply(previousPrompt string, mods []PromptModification) string {
	if len(mods) == 0 {
		return previousPrompt
	}

	// Bullets per section, in modification priority order.
	bullets := make(map[string][]string)
	var sectionOrder []string
	for _, m := range mods {
		sec := sectionFor(m.Type)
		if _, seen := bullets[sec]; !seen {
			sectionOrder = append(sectionOrder, sec)
		}
		bullets[sec] = append(bullets[sec], "- "+m.Content)
	}

	source := []byte(previousPrompt)
	spans := headingSpans(source)

	// Insertions into existing sections, applied back to front so offsets
	// stay valid.
	type insertion struct {
		offset int
		text   string
	}
	var inserts []insertion
	var missing []string
	for _, sec := range sectionOrder {
		span, ok := spans[strings.ToLower(sec)]
		if !ok {
			missing = append(missing, sec)
			continue
		}
		block := strings.Join(bullets[sec], "\n") + "\n"
		if span.end > 0 && source[span.end-1] != '\n' {
			block = "\n" + block
		}
		inserts = append(inserts, insertion{offset: span.end, text: block})
	}

	sort.Slice(inserts, func(i, j int) bool { return inserts[i].offset > inserts[j].offset })

	out := string(source)
	for _, ins := range inserts {
		out = out[:ins.offset] + ins.text + out[ins.offset:]
	}

	// Append sections the prompt lacked.
	if len(missing) > 0 {
		var sb strings.Builder
		sb.WriteString(strings.TrimRight(out, "\n"))
		for _, sec := range missing {
			sb.WriteString("\n\n## " + sec + "\n\n")
			sb.WriteString(strings.Join(bullets[sec], "\n"))
		}
		sb.WriteString("\n")
		out = sb.String()
	}

	return out
}

// span marks the byte range of one markdown section: from its heading line
// to the start of the next heading of the same or higher level.
type span struct {
	start int
	end   int
}

// headingSpans parses the prompt and returns, per lowercased level-1/2
// heading title, the byte range of the section it opens.
func headingSpans(source []byte) map[string]span {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	type head struct {
		title     string
		lineStart int
	}
	var heads []head

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > 2 || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		heads = append(heads, head{
			title:     strings.ToLower(strings.TrimSpace(string(seg.Value(source)))),
			lineStart: lineStart(source, seg.Start),
		})
	}

	spans := make(map[string]span, len(heads))
	for i, h := range heads {
		end := len(source)
		if i+1 < len(heads) {
			end = heads[i+1].lineStart
		}
		spans[h.title] = span{start: h.lineStart, end: end}
	}
	return spans
}

// lineStart walks back from offset to the beginning of its line.
func lineStart(source []byte, offset int) int {
	for offset > 0 && source[offset-1] != '\n' {
		offset--
	}
	return offset
}
