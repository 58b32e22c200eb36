package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "message-highway/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

type importRule struct {
	importer string
	imported string
	reason   string
}

var importRules = []importRule{
	{importer: "pkg/", imported: "internal/", reason: "pkg/* must not import internal/*"},
	{importer: "pkg/", imported: "services/", reason: "pkg/* must not import services/*"},
	{importer: "pkg/", imported: "modules/", reason: "pkg/* must not import modules/*"},
	{importer: "internal/kernel", imported: "internal/driver", reason: "internal/kernel must not import internal/driver/*"},
	{importer: "services/", imported: "internal/", reason: "services/* must not import internal/*"},
	{importer: "services/", imported: "modules/", reason: "services/* must not import modules/*"},
	{importer: "modules/", imported: "internal/", reason: "modules/* must not import internal/*"},
}

func violationReason(importer, imported string) string {
	if !strings.HasPrefix(importer, modulePrefix) || !strings.HasPrefix(imported, modulePrefix) {
		return ""
	}
	importer = strings.TrimPrefix(importer, modulePrefix)
	imported = strings.TrimPrefix(imported, modulePrefix)

	for _, rule := range importRules {
		if strings.HasPrefix(importer, rule.importer) && strings.HasPrefix(imported, rule.imported) {
			return rule.reason
		}
	}

	// Modules talk to each other through the event bus and registered services only.
	if importerModule, ok := moduleName(importer); ok {
		if importedModule, ok := moduleName(imported); ok && importedModule != importerModule {
			return "modules/* must not import sibling modules"
		}
	}

	return ""
}

func moduleName(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "modules/")
	if !ok || rest == "" {
		return "", false
	}
	name, _, _ := strings.Cut(rest, "/")
	return strings.TrimSuffix(name, ".test"), true
}
