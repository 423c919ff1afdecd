package parser

import (
	"strings"

	"github.com/dgallion1/docrag/internal/doctree"
)

// treeBuilder nests body text under the most recent heading of a lower level.
type treeBuilder struct {
	root  *doctree.DocNode
	stack []builderEntry
	text  strings.Builder
}

type builderEntry struct {
	node  *doctree.DocNode
	level int
}

func newTreeBuilder(title string) *treeBuilder {
	root := &doctree.DocNode{Title: title}
	return &treeBuilder{
		root:  root,
		stack: []builderEntry{{node: root, level: 0}},
	}
}

// heading opens a section at level (1 = top). Deeper or equal sections on
// the stack are closed first.
func (b *treeBuilder) heading(level int, title string) {
	b.flush()
	node := &doctree.DocNode{Title: title}
	for len(b.stack) > 1 && b.stack[len(b.stack)-1].level >= level {
		b.stack = b.stack[:len(b.stack)-1]
	}
	parent := b.stack[len(b.stack)-1].node
	parent.Children = append(parent.Children, node)
	b.stack = append(b.stack, builderEntry{node: node, level: level})
}

// paragraph appends a block of body text to the open section.
func (b *treeBuilder) paragraph(t string) {
	t = strings.TrimSpace(t)
	if t == "" {
		return
	}
	if b.text.Len() > 0 {
		b.text.WriteString("\n\n")
	}
	b.text.WriteString(t)
}

func (b *treeBuilder) flush() {
	t := strings.TrimSpace(b.text.String())
	b.text.Reset()
	if t == "" {
		return
	}
	top := b.stack[len(b.stack)-1].node
	if top.Text != "" {
		top.Text += "\n\n" + t
	} else {
		top.Text = t
	}
}

// finish moves the built sections into tree. Text with no heading above it
// becomes a single leading child.
func (b *treeBuilder) finish(tree *doctree.DocTree) *doctree.DocTree {
	b.flush()
	if b.root.Text != "" {
		tree.Children = append(tree.Children, &doctree.DocNode{Text: b.root.Text})
	}
	tree.Children = append(tree.Children, b.root.Children...)
	return tree
}
