package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/Prismadic/magnet/tools/linters/enumvalidator"
)

func main() {
	singlechecker.Main(enumvalidator.Analyzer)
}
