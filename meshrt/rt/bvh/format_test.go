package bvh

import (
	"go/ast"
	"go/doc/comment"
	"go/parser"
	"go/token"
	"strings"
	"testing"
)

// The node layout in the NodeSize doc must render as a code block.
func TestNodeSizeDocLayout(t *testing.T) {
	f, err := parser.ParseFile(token.NewFileSet(), "builder.go", nil, parser.ParseComments)
	if err != nil {
		t.Fatal(err)
	}
	var text string
	for _, decl := range f.Decls {
		g, ok := decl.(*ast.GenDecl)
		if !ok || g.Tok != token.CONST || g.Doc == nil {
			continue
		}
		for _, s := range g.Specs {
			if v := s.(*ast.ValueSpec); v.Names[0].Name == "NodeSize" {
				text = g.Doc.Text()
			}
		}
	}
	if text == "" {
		t.Fatal("NodeSize has no doc comment")
	}

	var p comment.Parser
	var code *comment.Code
	for _, b := range p.Parse(text).Content {
		if c, ok := b.(*comment.Code); ok {
			code = c
		}
	}
	if code == nil {
		t.Fatalf("layout is not a code block:\n%s", text)
	}
	if !strings.HasPrefix(code.Text, "struct BVHNode {") || !strings.Contains(code.Text, "64 bytes") {
		t.Errorf("code block = %q", code.Text)
	}
}
