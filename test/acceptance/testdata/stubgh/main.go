// Command stubgh stands in for the `gh` CLI in the PR-scope review test: it
// answers `gh pr view <ref> --json commits` with a fixed two-commit list
// regardless of ref, matching the review turns the stub engine emits for
// STUB_MODE=review-trigger-pr.
package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	if len(args) >= 2 && args[0] == "pr" && args[1] == "view" {
		fmt.Println(`{"commits":[{"oid":"c1111111"},{"oid":"c2222222"}]}`)
		return
	}
	fmt.Fprintln(os.Stderr, "stubgh: unsupported invocation", args)
	os.Exit(1)
}
