//go:build ignore

// gen-config-docs renders the YAML configuration reference from the struct
// definition in internal/config and writes it to docs/config.md.
package main

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"strings"
)

type field struct {
	yamlKey    string
	goType     string
	validation string
	doc        string
}

func main() {
	root, err := findProjectRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding project root: %v\n", err)
		os.Exit(1)
	}

	src := filepath.Join(root, "internal", "config", "config.go")
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, src, nil, parser.ParseComments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing %s: %v\n", src, err)
		os.Exit(1)
	}

	fields := collectConfigFields(file)
	if len(fields) == 0 {
		fmt.Fprintln(os.Stderr, "No Config fields found")
		os.Exit(1)
	}

	outputDir := filepath.Join(root, "docs")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	outputPath := filepath.Join(outputDir, "config.md")
	if err := os.WriteFile(outputPath, []byte(render(fields)), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", outputPath, err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s\n", outputPath)
}

func collectConfigFields(file *ast.File) []field {
	var fields []field

	for _, decl := range file.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok || genDecl.Tok != token.TYPE {
			continue
		}
		for _, spec := range genDecl.Specs {
			typeSpec, ok := spec.(*ast.TypeSpec)
			if !ok || typeSpec.Name.Name != "Config" {
				continue
			}
			structType, ok := typeSpec.Type.(*ast.StructType)
			if !ok {
				continue
			}
			for _, f := range structType.Fields.List {
				if len(f.Names) == 0 || !ast.IsExported(f.Names[0].Name) || f.Tag == nil {
					continue
				}
				tag := reflect.StructTag(strings.Trim(f.Tag.Value, "`"))
				yamlKey := strings.Split(tag.Get("yaml"), ",")[0]
				if yamlKey == "" || yamlKey == "-" {
					continue
				}
				fields = append(fields, field{
					yamlKey:    yamlKey,
					goType:     typeString(f.Type),
					validation: tag.Get("validate"),
					doc:        flattenDoc(f.Doc.Text()),
				})
			}
		}
	}

	return fields
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.ArrayType:
		return "[]" + typeString(t.Elt)
	case *ast.SelectorExpr:
		if x, ok := t.X.(*ast.Ident); ok {
			return x.Name + "." + t.Sel.Name
		}
		return t.Sel.Name
	default:
		return "unknown"
	}
}

func flattenDoc(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, " ")
}

func render(fields []field) string {
	var sb strings.Builder
	sb.WriteString("# Configuration reference\n\n")
	sb.WriteString("Keys accepted in the YAML file passed to `zipserve serve --config`.\n")
	sb.WriteString("Flags override file values, which override defaults.\n\n")
	sb.WriteString("| Key | Type | Validation | Description |\n")
	sb.WriteString("| --- | --- | --- | --- |\n")
	for _, f := range fields {
		validation := f.validation
		if validation == "" {
			validation = "-"
		}
		sb.WriteString(fmt.Sprintf("| `%s` | `%s` | `%s` | %s |\n",
			f.yamlKey, f.goType, validation, f.doc))
	}
	return sb.String()
}

func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
