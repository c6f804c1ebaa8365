/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package crashlog

import (
	"path/filepath"
	"regexp"
	"runtime"
)

// driveLetterPattern rewrites a Windows drive-letter path into the UNC form
// ASAN's naive ':'-splitting ASAN_OPTIONS parser tolerates (supplemented
// feature, grounded on onefuzz/src/asan.rs's add_asan_log_env).
var driveLetterPattern = regexp.MustCompile(`^([a-zA-Z]):\\`)

// AddAsanLogEnv appends (or sets) ASAN_OPTIONS=log_path=<asanDir>/asan-log
// in env, so sanitizer crash text reaches a file even when the target
// closes stderr (spec §4.F decision step 3 depends on this for out-of-
// process targets).
func AddAsanLogEnv(env map[string]string, asanDir string) {
	asanPath := filepath.Join(asanDir, "asan-log")
	if runtime.GOOS == "windows" {
		asanPath = driveLetterPattern.ReplaceAllString(asanPath, `\\127.0.0.1\$1$\`)
	}

	logPath := "log_path=" + asanPath
	if existing, ok := env["ASAN_OPTIONS"]; ok && existing != "" {
		env["ASAN_OPTIONS"] = existing + ":" + logPath
	} else {
		env["ASAN_OPTIONS"] = logPath
	}
}
