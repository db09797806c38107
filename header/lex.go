package header

import "strings"

// lexer strips comments and literal contents from C/C++ source one line at a
// time. Block comments carry over between lines; string and character
// literals do not.
type lexer struct {
	inComment bool
}

// code returns line with comments removed and literal bodies blanked, so
// that braces, semicolons and identifiers can be matched safely.
func (l *lexer) code(line string) string {
	var sb strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		if l.inComment {
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				l.inComment = false
				i++
			}
			continue
		}

		switch {
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return sb.String()
		case c == '/' && i+1 < len(line) && line[i+1] == '*':
			l.inComment = true
			sb.WriteByte(' ')
			i++
		case c == '"' || c == '\'':
			sb.WriteByte(c)
			for i++; i < len(line); i++ {
				if line[i] == '\\' {
					i++
					continue
				}
				if line[i] == c {
					sb.WriteByte(c)
					break
				}
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// codeLines runs the lexer over every line.
func codeLines(lines []string) []string {
	var l lexer
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = l.code(line)
	}
	return out
}
