package mangle

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Source is one rule file. Learned sources hold rules promoted from
// experience and may not define constitutional predicates.
type Source struct {
	Name    string
	Text    string
	Learned bool
}

// LoadFiles reads rule files from disk.
func LoadFiles(learned bool, paths ...string) ([]Source, error) {
	out := make([]Source, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file: %w", err)
		}
		out = append(out, Source{Name: p, Text: string(data), Learned: learned})
	}
	return out, nil
}

// LoadDir reads every .mg file of dir in name order. A missing directory
// yields no sources.
func LoadDir(dir string, learned bool) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rule dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".mg") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return LoadFiles(learned, paths...)
}

// LoadFS reads every .mg file under dir of fsys, recursively, in path order.
func LoadFS(fsys fs.FS, dir string, learned bool) ([]Source, error) {
	var out []Source
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".mg" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		out = append(out, Source{Name: p, Text: string(data), Learned: learned})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded rules: %w", err)
	}
	return out, nil
}

// statement is one clause or declaration cut out of a source, with the
// annotations found in the comment block right above it.
type statement struct {
	Text        string
	Line        int
	Name        string
	Priority    int
	HasPriority bool
}

// splitStatements cuts src at every top-level '.' that is followed by
// whitespace, a comment or the end of input.
func splitStatements(src string) ([]statement, error) {
	var (
		out     []statement
		cur     strings.Builder
		line    = 1
		start   = 0
		pending statement
		inStr   rune
	)
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inStr != 0 {
			cur.WriteRune(r)
			switch r {
			case '\\':
				if i+1 < len(runes) {
					i++
					cur.WriteRune(runes[i])
				}
			case inStr:
				inStr = 0
			case '\n':
				line++
			}
			continue
		}
		switch {
		case r == '#':
			j := i
			for j < len(runes) && runes[j] != '\n' {
				j++
			}
			if cur.Len() == 0 {
				if err := pending.annotate(string(runes[i+1 : j])); err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
			}
			i = j - 1
		case r == '"' || r == '\'':
			if cur.Len() == 0 {
				start = line
			}
			inStr = r
			cur.WriteRune(r)
		case r == '.' && cur.Len() > 0 && atTerminator(runes, i+1):
			cur.WriteRune(r)
			pending.Text = cur.String()
			pending.Line = start
			out = append(out, pending)
			pending = statement{}
			cur.Reset()
		case unicode.IsSpace(r):
			if r == '\n' {
				line++
			}
			if cur.Len() > 0 {
				cur.WriteRune(r)
			}
		default:
			if cur.Len() == 0 {
				start = line
			}
			cur.WriteRune(r)
		}
	}
	if inStr != 0 {
		return nil, fmt.Errorf("line %d: unterminated string", start)
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		return nil, fmt.Errorf("line %d: statement not terminated by '.'", start)
	}
	return out, nil
}

func atTerminator(runes []rune, i int) bool {
	return i >= len(runes) || unicode.IsSpace(runes[i]) || runes[i] == '#'
}

// annotate reads "@rule <name>" and "@priority <n>" comments.
func (s *statement) annotate(comment string) error {
	fields := strings.Fields(comment)
	if len(fields) < 2 {
		return nil
	}
	switch fields[0] {
	case "@rule":
		s.Name = fields[1]
	case "@priority":
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("bad @priority %q", fields[1])
		}
		s.Priority, s.HasPriority = n, true
	}
	return nil
}
