package shape

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// Tree handling covers Go source. The outline lists top-level
// declarations; selectors address one function or type by name.

func parseTree(path string, content []byte) (*token.FileSet, *ast.File, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fset, file, nil
}

func outlineTree(path string, content []byte) (map[string]any, error) {
	_, file, err := parseTree(path, content)
	if err != nil {
		return nil, err
	}

	var funcs, types []string
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			funcs = append(funcs, d.Name.Name)
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				if ts, ok := spec.(*ast.TypeSpec); ok {
					types = append(types, ts.Name.Name)
				}
			}
		}
	}
	return map[string]any{
		"summary":   "tree",
		"package":   file.Name.Name,
		"functions": funcs,
		"types":     types,
	}, nil
}

// findDecl locates the declaration a "func:<name>" or "type:<name>"
// selector points at and returns its byte offsets within content.
func findDecl(path string, content []byte, selector string) (start, end int, err error) {
	kind, name, ok := strings.Cut(selector, ":")
	if !ok || (kind != "func" && kind != "type") {
		return 0, 0, fmt.Errorf("%w: want \"func:<name>\" or \"type:<name>\", got %q", ErrBadSelector, selector)
	}

	fset, file, err := parseTree(path, content)
	if err != nil {
		return 0, 0, err
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if kind == "func" && d.Name.Name == name {
				return offsets(fset, d)
			}
		case *ast.GenDecl:
			if kind != "type" || d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				if ts, ok := spec.(*ast.TypeSpec); ok && ts.Name.Name == name {
					return offsets(fset, d)
				}
			}
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrSectionNotFound, selector)
}

func offsets(fset *token.FileSet, node ast.Node) (int, int, error) {
	return fset.Position(node.Pos()).Offset, fset.Position(node.End()).Offset, nil
}

func selectTree(path string, content []byte, selector string) (string, error) {
	start, end, err := findDecl(path, content, selector)
	if err != nil {
		return "", err
	}
	return string(content[start:end]), nil
}

func replaceTree(path string, content []byte, selector, value string) ([]byte, error) {
	start, end, err := findDecl(path, content, selector)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(content)-(end-start)+len(value))
	out = append(out, content[:start]...)
	out = append(out, value...)
	out = append(out, content[end:]...)
	return out, nil
}
