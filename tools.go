//go:build tools

// This file pins development tools in go.sum.
// Install them with: go install github.com/golangci/golangci-lint/cmd/golangci-lint
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
