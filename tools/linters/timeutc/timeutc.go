// Package timeutc reports time.Now() calls that are not immediately
// converted with .UTC(). Every timestamp the queue stores or compares
// is UTC; a naked time.Now() in store code is a latent timezone bug.
package timeutc

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

var Analyzer = &analysis.Analyzer{
	Name: "timeutc",
	Doc:  "reports time.Now() calls without a .UTC() conversion",
	Run:  run,
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		// Calls already chained into time.Now().UTC().
		converted := make(map[*ast.CallExpr]bool)
		ast.Inspect(file, func(n ast.Node) bool {
			sel, ok := n.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "UTC" {
				return true
			}
			if call, ok := sel.X.(*ast.CallExpr); ok && isTimeNow(call) {
				converted[call] = true
			}
			return true
		})

		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || !isTimeNow(call) || converted[call] {
				return true
			}
			if suppressed(pass, file, call) {
				return true
			}
			pass.Reportf(call.Pos(), "time.Now() should be followed by .UTC() for timezone consistency")
			return true
		})
	}
	return nil, nil
}

func isTimeNow(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Now" {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && ident.Name == "time"
}

// suppressed honors //nolint and //nolint:timeutc comments on the call's
// line or the line above it.
func suppressed(pass *analysis.Pass, file *ast.File, call *ast.CallExpr) bool {
	pos := pass.Fset.Position(call.Pos())
	for _, cg := range file.Comments {
		for _, comment := range cg.List {
			line := pass.Fset.Position(comment.Pos()).Line
			if line != pos.Line && line != pos.Line-1 {
				continue
			}
			text := comment.Text
			if !strings.Contains(text, "nolint") {
				continue
			}
			if !strings.Contains(text, ":") || strings.Contains(text, "timeutc") {
				return true
			}
		}
	}
	return false
}
