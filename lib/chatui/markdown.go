// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// wrapBreakpoints are the characters ansi.Wrap may break a line after.
const wrapBreakpoints = " ,.;-+|"

var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

// getMarkdownParser returns the shared parser. Chat text gets
// strikethrough and bare-URL linking but no tables: a pipe in a chat
// line is more often punctuation than a table.
func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
				extension.Linkify,
			),
		)
	})
	return markdownParserInstance
}

// sanitize removes terminal escape sequences and other control
// characters from peer-supplied text, keeping newlines and tabs.
func sanitize(input string) string {
	stripped := ansi.Strip(input)
	return strings.Map(func(character rune) rune {
		switch {
		case character == '\n' || character == '\t':
			return character
		case character < 0x20 || character == 0x7f:
			return -1
		case character >= 0x80 && character < 0xa0:
			return -1
		default:
			return character
		}
	}, stripped)
}

// renderMarkdown renders chat text as styled terminal output wrapped
// to width. Fenced code blocks with a language tag are highlighted.
func renderMarkdown(input string, theme Theme, width int) string {
	input = sanitize(input)
	if strings.TrimSpace(input) == "" {
		return ""
	}
	source := []byte(input)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	// The output always goes to the bubbletea view, so the color
	// profile is forced rather than detected from a possibly absent
	// TTY.
	lipRenderer := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ANSI256))
	lipRenderer.SetColorProfile(termenv.ANSI256)

	renderer := &markdownRenderer{
		source:      source,
		theme:       theme,
		width:       width,
		lipRenderer: lipRenderer,
	}
	ast.Walk(document, renderer.walk)
	return strings.TrimRight(renderer.output.String(), "\n")
}

// markdownRenderer walks a goldmark AST. Inline content collects in a
// buffer and is word-wrapped when its block closes.
type markdownRenderer struct {
	source []byte
	theme  Theme
	width  int

	output strings.Builder
	inline strings.Builder

	prefixStack     []prefixLevel
	linePrefix      string
	linePrefixWidth int

	// pendingBullet replaces linePrefix for the next emitted line.
	pendingBullet string

	boldCount          int
	italicCount        int
	strikethroughCount int

	listStack []listState

	lipRenderer      *lipgloss.Renderer
	trailingNewlines int
}

type prefixLevel struct {
	text  string
	width int
}

type listState struct {
	ordered bool
	counter int
	tight   bool
}

func (renderer *markdownRenderer) newStyle() lipgloss.Style {
	return renderer.lipRenderer.NewStyle()
}

// currentWidth is the content width inside all prefixes, at least 10.
func (renderer *markdownRenderer) currentWidth() int {
	return max(renderer.width-renderer.linePrefixWidth, 10)
}

func (renderer *markdownRenderer) pushPrefix(prefixText string, visibleWidth int) {
	renderer.prefixStack = append(renderer.prefixStack, prefixLevel{text: prefixText, width: visibleWidth})
	renderer.linePrefix += prefixText
	renderer.linePrefixWidth += visibleWidth
}

func (renderer *markdownRenderer) popPrefix() {
	if len(renderer.prefixStack) == 0 {
		return
	}
	top := renderer.prefixStack[len(renderer.prefixStack)-1]
	renderer.prefixStack = renderer.prefixStack[:len(renderer.prefixStack)-1]
	renderer.linePrefix = renderer.linePrefix[:len(renderer.linePrefix)-len(top.text)]
	renderer.linePrefixWidth -= top.width
}

func (renderer *markdownRenderer) inTightList() bool {
	if len(renderer.listStack) == 0 {
		return false
	}
	return renderer.listStack[len(renderer.listStack)-1].tight
}

func (renderer *markdownRenderer) writeOutput(s string) {
	if s == "" {
		return
	}
	renderer.output.WriteString(s)

	trimmed := strings.TrimRight(s, "\n")
	newTrailing := len(s) - len(trimmed)
	if trimmed == "" {
		renderer.trailingNewlines += newTrailing
	} else {
		renderer.trailingNewlines = newTrailing
	}
}

func (renderer *markdownRenderer) ensureNewline() {
	if renderer.output.Len() > 0 && renderer.trailingNewlines < 1 {
		renderer.writeOutput("\n")
	}
}

// ensureBlankLine separates blocks. Nothing is written at the very
// start of a message.
func (renderer *markdownRenderer) ensureBlankLine() {
	if renderer.output.Len() == 0 {
		return
	}
	for renderer.trailingNewlines < 2 {
		renderer.writeOutput("\n")
	}
}

func (renderer *markdownRenderer) consumeLinePrefix() string {
	if renderer.pendingBullet != "" {
		bullet := renderer.pendingBullet
		renderer.pendingBullet = ""
		return bullet
	}
	return renderer.linePrefix
}

func (renderer *markdownRenderer) applyPrefixes(content string) string {
	lines := strings.Split(content, "\n")
	for index := range lines {
		if index == 0 {
			lines[index] = renderer.consumeLinePrefix() + lines[index]
		} else {
			lines[index] = renderer.linePrefix + lines[index]
		}
	}
	return strings.Join(lines, "\n")
}

func (renderer *markdownRenderer) flushInline() string {
	content := renderer.inline.String()
	renderer.inline.Reset()
	if content == "" {
		return ""
	}
	return renderer.applyPrefixes(ansi.Wrap(content, renderer.currentWidth(), wrapBreakpoints))
}

func (renderer *markdownRenderer) styledText(content string) string {
	style := renderer.newStyle().Foreground(renderer.theme.NormalText)
	if renderer.boldCount > 0 {
		style = style.Bold(true)
	}
	if renderer.italicCount > 0 {
		style = style.Italic(true)
	}
	if renderer.strikethroughCount > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(content)
}

// highlightCode highlights code with Chroma. Code without a language,
// or in one Chroma does not know, is shown faint.
func (renderer *markdownRenderer) highlightCode(code, language string) string {
	faint := renderer.newStyle().Foreground(renderer.theme.FaintText)
	if language == "" {
		return faint.Render(code)
	}
	var buffer strings.Builder
	if err := quick.Highlight(&buffer, code, language, "terminal256", "monokai"); err != nil {
		return faint.Render(code)
	}
	return buffer.String()
}

func (renderer *markdownRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {
	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			renderer.inline.Reset()
			return ast.WalkContinue, nil
		}
		if flushed := renderer.flushInline(); flushed != "" {
			renderer.writeOutput(flushed)
			renderer.ensureNewline()
			if !renderer.inTightList() {
				renderer.ensureBlankLine()
			}
		}

	case ast.KindHeading:
		if entering {
			renderer.inline.Reset()
			return ast.WalkContinue, nil
		}
		renderer.leaveHeading()

	case ast.KindFencedCodeBlock:
		if entering {
			block := node.(*ast.FencedCodeBlock)
			renderer.renderCode(block.Lines(), string(block.Language(renderer.source)))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindCodeBlock:
		if entering {
			renderer.renderCode(node.Lines(), "")
		}
		return ast.WalkSkipChildren, nil

	case ast.KindHTMLBlock:
		if entering {
			renderer.renderCode(node.Lines(), "")
		}
		return ast.WalkSkipChildren, nil

	case ast.KindBlockquote:
		if entering {
			renderer.pushPrefix("│ ", 2)
		} else {
			renderer.popPrefix()
			renderer.ensureBlankLine()
		}

	case ast.KindList:
		if entering {
			renderer.enterList(node.(*ast.List))
		} else {
			renderer.leaveList()
		}

	case ast.KindListItem:
		if entering {
			renderer.enterListItem()
		} else {
			renderer.leaveListItem()
		}

	case ast.KindThematicBreak:
		if entering {
			rule := renderer.newStyle().Foreground(renderer.theme.BorderColor).
				Render(strings.Repeat("─", renderer.currentWidth()))
			renderer.ensureBlankLine()
			renderer.writeOutput(renderer.applyPrefixes(rule))
			renderer.ensureNewline()
			renderer.ensureBlankLine()
		}

	case ast.KindText:
		if entering {
			textNode := node.(*ast.Text)
			renderer.inline.WriteString(renderer.styledText(string(textNode.Segment.Value(renderer.source))))
			if textNode.SoftLineBreak() {
				renderer.inline.WriteString(" ")
			}
			if textNode.HardLineBreak() {
				renderer.inline.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			renderer.inline.WriteString(renderer.styledText(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		emphasis := node.(*ast.Emphasis)
		delta := -1
		if entering {
			delta = 1
		}
		if emphasis.Level >= 2 {
			renderer.boldCount += delta
		} else {
			renderer.italicCount += delta
		}

	case extast.KindStrikethrough:
		if entering {
			renderer.strikethroughCount++
		} else {
			renderer.strikethroughCount--
		}

	case ast.KindCodeSpan:
		if entering {
			renderer.renderCodeSpan(node)
		}
		return ast.WalkSkipChildren, nil

	case ast.KindLink:
		if entering {
			renderer.renderLink(node.(*ast.Link))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindAutoLink:
		if entering {
			link := renderer.newStyle().Foreground(renderer.theme.LinkForeground).Underline(true)
			renderer.inline.WriteString(link.Render(string(node.(*ast.AutoLink).URL(renderer.source))))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindImage:
		if entering {
			image := node.(*ast.Image)
			faint := renderer.newStyle().Foreground(renderer.theme.FaintText)
			renderer.inline.WriteString(faint.Render("[image: " + renderer.plainText(image) + "] (" + string(image.Destination) + ")"))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindRawHTML:
		// Shown literally: chat text is not a web page.
		if entering {
			raw := node.(*ast.RawHTML)
			var html strings.Builder
			for index := range raw.Segments.Len() {
				segment := raw.Segments.At(index)
				html.Write(segment.Value(renderer.source))
			}
			renderer.inline.WriteString(renderer.styledText(html.String()))
		}
	}
	return ast.WalkContinue, nil
}

func (renderer *markdownRenderer) leaveHeading() {
	content := ansi.Strip(renderer.inline.String())
	renderer.inline.Reset()
	if content == "" {
		return
	}
	style := renderer.newStyle().Bold(true).Foreground(renderer.theme.HeaderForeground)
	wrapped := ansi.Wrap(style.Render(content), renderer.currentWidth(), wrapBreakpoints)
	renderer.ensureBlankLine()
	renderer.writeOutput(renderer.applyPrefixes(wrapped))
	renderer.ensureNewline()
	renderer.ensureBlankLine()
}

func (renderer *markdownRenderer) renderCode(lines *text.Segments, language string) {
	var code strings.Builder
	for index := range lines.Len() {
		segment := lines.At(index)
		code.Write(segment.Value(renderer.source))
	}

	highlighted := renderer.highlightCode(strings.TrimRight(code.String(), "\n"), language)
	renderer.ensureBlankLine()
	for _, line := range strings.Split(strings.TrimRight(highlighted, "\n"), "\n") {
		renderer.writeOutput(renderer.consumeLinePrefix() + line)
		renderer.writeOutput("\n")
	}
	renderer.ensureBlankLine()
}

func (renderer *markdownRenderer) enterList(list *ast.List) {
	start := 0
	if list.IsOrdered() {
		start = list.Start
	}
	renderer.listStack = append(renderer.listStack, listState{
		ordered: list.IsOrdered(),
		counter: start,
		tight:   list.IsTight,
	})
}

func (renderer *markdownRenderer) leaveList() {
	if len(renderer.listStack) > 0 {
		renderer.listStack = renderer.listStack[:len(renderer.listStack)-1]
	}
	if !renderer.inTightList() {
		renderer.ensureBlankLine()
	}
}

func (renderer *markdownRenderer) enterListItem() {
	if len(renderer.listStack) == 0 {
		return
	}
	top := &renderer.listStack[len(renderer.listStack)-1]

	bullet := "- "
	if top.ordered {
		bullet = fmt.Sprintf("%d. ", top.counter)
		top.counter++
	}
	// Bullets are ASCII, so byte length is the visible width.
	renderer.pendingBullet = renderer.linePrefix + bullet
	renderer.pushPrefix(strings.Repeat(" ", len(bullet)), len(bullet))
}

func (renderer *markdownRenderer) leaveListItem() {
	renderer.popPrefix()
	if renderer.inTightList() {
		renderer.ensureNewline()
	} else {
		renderer.ensureBlankLine()
	}
}

func (renderer *markdownRenderer) renderCodeSpan(node ast.Node) {
	var code strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch value := child.(type) {
		case *ast.Text:
			code.Write(value.Segment.Value(renderer.source))
		case *ast.String:
			code.Write(value.Value)
		}
	}
	renderer.inline.WriteString(renderer.newStyle().Foreground(renderer.theme.FaintText).Render(code.String()))
}

func (renderer *markdownRenderer) renderLink(link *ast.Link) {
	label := renderer.plainText(link)
	style := renderer.newStyle().Foreground(renderer.theme.LinkForeground).Underline(true)
	renderer.inline.WriteString(style.Render(label))
	destination := string(link.Destination)
	if destination != "" && destination != label {
		faint := renderer.newStyle().Foreground(renderer.theme.FaintText)
		renderer.inline.WriteString(" " + faint.Render("("+destination+")"))
	}
}

// plainText returns the unstyled text content of node's children.
func (renderer *markdownRenderer) plainText(node ast.Node) string {
	var result strings.Builder
	ast.Walk(node, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch value := child.(type) {
		case *ast.Text:
			result.Write(value.Segment.Value(renderer.source))
		case *ast.String:
			result.Write(value.Value)
		}
		return ast.WalkContinue, nil
	})
	return result.String()
}
