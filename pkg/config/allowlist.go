/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Allowlist is a line-oriented set of glob patterns (spec §6). A missing
// backing file means "allow all"; matching is case-insensitive on Windows.
type Allowlist struct {
	patterns     []string
	allowAll     bool
	caseInsensit bool
}

// LoadAllowlist reads path, one glob pattern per line (blank lines and
// lines starting with '#' are skipped). A missing file yields an
// allow-all list.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{allowAll: true}, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Allowlist{allowAll: true}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open allowlist %s", path)
	}
	defer f.Close()

	al := &Allowlist{caseInsensit: runtime.GOOS == "windows"}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		al.patterns = append(al.patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read allowlist %s", path)
	}

	return al, nil
}

// Match reports whether p satisfies the allowlist.
func (al *Allowlist) Match(p string) bool {
	if al == nil || al.allowAll {
		return true
	}

	candidate := p
	if al.caseInsensit {
		candidate = strings.ToLower(filepath.ToSlash(p))
	}

	for _, pattern := range al.patterns {
		pp := pattern
		if al.caseInsensit {
			pp = strings.ToLower(filepath.ToSlash(pattern))
		}
		if ok, _ := filepath.Match(pp, candidate); ok {
			return true
		}
	}
	return false
}
