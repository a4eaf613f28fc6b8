package main

import (
	"golang.org/x/tools/go/analysis"

	"github.com/Prismadic/magnet/tools/linters/enumvalidator"
)

// New is the golangci-lint module plugin entry point.
func New(conf any) ([]*analysis.Analyzer, error) {
	return []*analysis.Analyzer{enumvalidator.Analyzer}, nil
}

// main is unused; the package is loaded with -buildmode=plugin.
func main() {}
