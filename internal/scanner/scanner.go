// Package scanner derives a navigable Page Index from whatever markup files
// a generation step left in a workspace.
package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"golang.org/x/net/html"

	"github.com/jadypamella/natively-case/internal/logging"
)

const ellipsis = "..."

// DefaultSectionTags are the heading, sectioning and landmark elements
// considered as sections when they carry an id.
var DefaultSectionTags = []string{
	"h1", "h2", "h3", "h4", "h5", "h6",
	"section", "article", "main", "nav", "header", "footer", "aside",
}

var errFileTooLarge = errors.New("file exceeds size limit")

type Section struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	SourceTag   string `json:"sourceTag"`
}

type Page struct {
	RelativePath string    `json:"relativePath"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Sections     []Section `json:"sections"`
}

// PageIndex is a wholesale snapshot of a workspace. It is replaced, never
// merged, on every rescan.
type PageIndex struct {
	Pages         []Page `json:"pages"`
	TotalPages    int    `json:"totalPages"`
	TotalSections int    `json:"totalSections"`
}

// Options bounds what a scan extracts. Zero values fall back to defaults.
type Options struct {
	EntryFile    string
	MaxSections  int
	MaxLabel     int
	Extensions   []string
	SectionTags  []string
	MaxFileBytes int64
}

func (o Options) withDefaults() Options {
	if o.EntryFile == "" {
		o.EntryFile = "index.html"
	}
	if o.MaxSections <= 0 {
		o.MaxSections = 20
	}
	if o.MaxLabel <= 0 {
		o.MaxLabel = 50
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".html", ".htm"}
	}
	if len(o.SectionTags) == 0 {
		o.SectionTags = DefaultSectionTags
	}
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = 2 << 20
	}
	return o
}

// Scanner is stateless apart from its options; Scan may be called
// concurrently.
type Scanner struct {
	opts   Options
	tags   map[string]bool
	exts   map[string]bool
	logger *log.Logger
}

func New(opts Options, logger *log.Logger) *Scanner {
	opts = opts.withDefaults()
	s := &Scanner{
		opts:   opts,
		tags:   make(map[string]bool, len(opts.SectionTags)),
		exts:   make(map[string]bool, len(opts.Extensions)),
		logger: logging.OrDiscard(logger),
	}
	for _, tag := range opts.SectionTags {
		s.tags[strings.ToLower(tag)] = true
	}
	for _, ext := range opts.Extensions {
		s.exts[strings.ToLower(ext)] = true
	}
	return s
}

// Scan walks root and indexes every markup file under it. It never fails:
// unreadable or unparsable files are logged and left out, and an empty or
// missing root yields an empty index.
func (s *Scanner) Scan(root string) PageIndex {
	var rels []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Warn("skipping unreadable path", "path", path, "err", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.exts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		s.logger.Warn("workspace scan failed", "root", root, "err", err)
		return PageIndex{Pages: []Page{}}
	}

	s.sortPaths(rels)

	idx := PageIndex{Pages: make([]Page, 0, len(rels))}
	for _, rel := range rels {
		page, err := s.scanFile(root, rel)
		if err != nil {
			s.logger.Warn("skipping page", "path", rel, "err", err)
			continue
		}
		idx.Pages = append(idx.Pages, page)
		idx.TotalSections += len(page.Sections)
	}
	idx.TotalPages = len(idx.Pages)
	return idx
}

// sortPaths puts the entry file first and orders the rest by path.
func (s *Scanner) sortPaths(rels []string) {
	entry := s.opts.EntryFile
	slices.SortFunc(rels, func(a, b string) int {
		switch {
		case a == entry && b != entry:
			return -1
		case b == entry && a != entry:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
}

func (s *Scanner) scanFile(root, rel string) (Page, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return Page{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.opts.MaxFileBytes+1))
	if err != nil {
		return Page{}, err
	}
	if int64(len(data)) > s.opts.MaxFileBytes {
		return Page{}, fmt.Errorf("%w (%d bytes)", errFileTooLarge, s.opts.MaxFileBytes)
	}
	if !utf8.Valid(data) {
		return Page{}, errors.New("file is not valid UTF-8")
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Page{}, fmt.Errorf("parse: %w", err)
	}

	page := Page{
		RelativePath: rel,
		URL:          s.pageURL(rel),
		Sections:     []Section{},
	}
	s.walk(doc, &page)
	if page.Title == "" {
		page.Title = rel
	}
	return page, nil
}

func (s *Scanner) walk(n *html.Node, page *Page) {
	if n.Type == html.ElementNode {
		if n.Data == "title" && page.Title == "" {
			page.Title = collapse(textContent(n))
		}
		if s.tags[n.Data] && len(page.Sections) < s.opts.MaxSections {
			if id := strings.TrimSpace(attr(n, "id")); id != "" {
				page.Sections = append(page.Sections, Section{
					ID:          id,
					DisplayName: s.label(n, id),
					SourceTag:   n.Data,
				})
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.walk(c, page)
	}
}

func (s *Scanner) label(n *html.Node, id string) string {
	text := collapse(textContent(n))
	if text == "" {
		return id
	}
	return truncate(text, s.opts.MaxLabel)
}

func (s *Scanner) pageURL(rel string) string {
	if rel == s.opts.EntryFile {
		return "/"
	}
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/" + strings.Join(parts, "/")
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "template"):
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:max]), " ") + ellipsis
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}
